package sunxi

import "github.com/gokrazy/sunxihwc/internal/fb"

// Kernel is the composer's view of the display, transform and ION drivers.
// *Device implements it on real hardware; sunxitest provides a fake.
type Kernel interface {
	OutputType(disp int) (OutputType, error)
	ScreenSize(disp int) (width, height int, err error)
	// DeviceSwitch selects the sink type and mode of disp. It doubles as a
	// dry-run check: an error means the sink rejects the mode.
	DeviceSwitch(disp int, t OutputType, mode uint32) error
	EnableVsync(disp int, on bool) error
	Blank(disp int, blank bool) error
	SetLayerConfig(disp int, cfg *LayerConfig) error

	// FenceFDs asks the driver for the release fences of the next commit.
	// Slots holding FenceNeed on entry are filled in.
	FenceFDs(fds *[SyncSinks]int32) error
	Commit(c *Commit) error
	SetPrimary(disp int) error

	// Panel returns the variable screen info of the primary framebuffer.
	Panel() (fb.VarScreeninfo, error)

	// Alloc returns a DMA-buf fd for size bytes from the heaps in mask.
	Alloc(size int, mask uint32) (int, error)
	PhysAddr(fd int) (uint64, error)
	SyncCache(fd int) error
	Mmap(fd, size int) ([]byte, error)
	Munmap(b []byte) error

	HasTransform() bool
	TransformRequest() (TRHandle, error)
	TransformCommit(h TRHandle, info *TRInfo) error
	// TransformQuery returns 0 once the last commit finished, a positive
	// value while it is busy and an error when it failed.
	TransformQuery(h TRHandle) (int, error)
	TransformSetTimeout(h TRHandle, ms int) error
	TransformRelease(h TRHandle) error

	Close() error
}
