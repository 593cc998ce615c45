package sunxi

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gokrazy/sunxihwc/internal/fb"
	"golang.org/x/sys/unix"
)

// Device nodes opened by Open.
const (
	DispPath      = "/dev/disp"
	IonPath       = "/dev/ion"
	TransformPath = "/dev/transform"
	FBPath        = "/dev/graphics/fb0"
)

// Device talks to the real drivers.
type Device struct {
	disp int
	ion  int
	tr   int // -1 when the transform engine is absent

	// mu guards the scratch records. They live inside the heap-allocated
	// Device so the addresses stored in ioctl argument arrays stay valid.
	mu     sync.Mutex
	args   [4]uintptr
	cmd    hwcIoctlArg
	data   hwcCommitData
	cfg    LayerConfig
	fences [SyncSinks]int32
	pri    int32
	tri    TRInfo
	trh    uintptr
	alloc  ionAllocationData
	fdData ionFDData
	handle ionHandleData
	custom ionCustomData
	phys   sunxiPhysData
}

func openNode(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// Open opens the display and ION nodes, and the transform node if present.
func Open() (*Device, error) {
	d := &Device{tr: -1}
	var err error
	if d.disp, err = openNode(DispPath); err != nil {
		return nil, errors.Join(ErrNoDevice, err)
	}
	if d.ion, err = openNode(IonPath); err != nil {
		unix.Close(d.disp)
		return nil, errors.Join(ErrNoDevice, err)
	}
	if fd, err := openNode(TransformPath); err == nil {
		d.tr = fd
	}
	return d, nil
}

func (d *Device) ioctl(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, eno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if eno != 0 {
		return r, eno
	}
	return r, nil
}

// dispCall issues a display ioctl with d.args, which the caller has filled
// in while holding d.mu.
func (d *Device) dispCall(req uintptr) (int, error) {
	r, err := d.ioctl(d.disp, req, unsafe.Pointer(&d.args))
	return int(int32(r)), err
}

func (d *Device) setArgs(a ...uintptr) {
	d.args = [4]uintptr{}
	copy(d.args[:], a)
}

func (d *Device) OutputType(disp int) (OutputType, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(disp))
	r, err := d.dispCall(DISP_GET_OUTPUT_TYPE)
	if err != nil {
		return OutputNone, fmt.Errorf("DISP_GET_OUTPUT_TYPE(%d): %w", disp, err)
	}
	return OutputType(r), nil
}

func (d *Device) ScreenSize(disp int) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(disp))
	w, err := d.dispCall(DISP_GET_SCN_WIDTH)
	if err != nil {
		return 0, 0, fmt.Errorf("DISP_GET_SCN_WIDTH(%d): %w", disp, err)
	}
	d.setArgs(uintptr(disp))
	h, err := d.dispCall(DISP_GET_SCN_HEIGHT)
	if err != nil {
		return 0, 0, fmt.Errorf("DISP_GET_SCN_HEIGHT(%d): %w", disp, err)
	}
	return w, h, nil
}

func (d *Device) DeviceSwitch(disp int, t OutputType, mode uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(disp), uintptr(t), uintptr(mode))
	if r, err := d.dispCall(DISP_DEVICE_SWITCH); err != nil || r < 0 {
		return fmt.Errorf("DISP_DEVICE_SWITCH(%d, %v, %#x): %v", disp, t, mode, err)
	}
	return nil
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

func (d *Device) EnableVsync(disp int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(disp), boolArg(on))
	if _, err := d.dispCall(DISP_VSYNC_EVENT_EN); err != nil {
		return fmt.Errorf("DISP_VSYNC_EVENT_EN(%d): %w", disp, err)
	}
	return nil
}

func (d *Device) Blank(disp int, blank bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(disp), boolArg(blank))
	if _, err := d.dispCall(DISP_BLANK); err != nil {
		return fmt.Errorf("DISP_BLANK(%d): %w", disp, err)
	}
	return nil
}

func (d *Device) SetLayerConfig(disp int, cfg *LayerConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = *cfg
	d.setArgs(uintptr(disp), uintptr(unsafe.Pointer(&d.cfg)), 1)
	if _, err := d.dispCall(DISP_LAYER_SET_CONFIG); err != nil {
		return fmt.Errorf("DISP_LAYER_SET_CONFIG(%d): %w", disp, err)
	}
	return nil
}

// hwc issues DISP_HWC_COMMIT with d.cmd.
func (d *Device) hwc() error {
	d.setArgs(0, uintptr(unsafe.Pointer(&d.cmd)))
	_, err := d.dispCall(DISP_HWC_COMMIT)
	return err
}

func (d *Device) FenceFDs(fds *[SyncSinks]int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fences = *fds
	d.cmd = hwcIoctlArg{Cmd: HWC_IOCTL_FENCEFD, Arg: uintptr(unsafe.Pointer(&d.fences))}
	if err := d.hwc(); err != nil {
		return fmt.Errorf("HWC_IOCTL_FENCEFD: %w", err)
	}
	*fds = d.fences
	return nil
}

func (d *Device) Commit(c *Commit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = hwcCommitData{ReleaseFenceFD: c.ReleaseFences}
	for i, l := range c.Layers {
		if len(l) > 0 {
			d.data.LayerInfo[i] = uintptr(unsafe.Pointer(&l[0]))
		}
		if c.ForceFlip[i] {
			d.data.ForceFlip[i] = 1
		}
	}
	d.cmd = hwcIoctlArg{Cmd: HWC_IOCTL_COMMIT, Arg: uintptr(unsafe.Pointer(&d.data))}
	err := d.hwc()
	runtime.KeepAlive(c)
	if err != nil {
		return fmt.Errorf("HWC_IOCTL_COMMIT: %w", err)
	}
	return nil
}

func (d *Device) SetPrimary(disp int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pri = int32(disp)
	d.cmd = hwcIoctlArg{Cmd: HWC_IOCTL_SETPRIDIP, Arg: uintptr(unsafe.Pointer(&d.pri))}
	if err := d.hwc(); err != nil {
		return fmt.Errorf("HWC_IOCTL_SETPRIDIP(%d): %w", disp, err)
	}
	return nil
}

func (d *Device) Panel() (fb.VarScreeninfo, error) {
	return fb.QueryVarScreeninfo(FBPath)
}

func (d *Device) ionCall(req uintptr, arg unsafe.Pointer) error {
	_, err := d.ioctl(d.ion, req, arg)
	return err
}

func (d *Device) Alloc(size int, mask uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alloc = ionAllocationData{Len: uintptr(size), Align: 4096, HeapIDMask: mask}
	if err := d.ionCall(ionIocAlloc, unsafe.Pointer(&d.alloc)); err != nil {
		return -1, fmt.Errorf("ION_IOC_ALLOC(%d, %#x): %w", size, mask, err)
	}
	handle := d.alloc.Handle
	d.fdData = ionFDData{Handle: handle}
	err := d.ionCall(ionIocShare, unsafe.Pointer(&d.fdData))
	d.freeLocked(handle)
	if err != nil {
		return -1, fmt.Errorf("ION_IOC_SHARE: %w", err)
	}
	return int(d.fdData.FD), nil
}

func (d *Device) freeLocked(handle int32) {
	d.handle = ionHandleData{Handle: handle}
	d.ionCall(ionIocFree, unsafe.Pointer(&d.handle))
}

func (d *Device) PhysAddr(fd int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fdData = ionFDData{FD: int32(fd)}
	if err := d.ionCall(ionIocImport, unsafe.Pointer(&d.fdData)); err != nil {
		return 0, fmt.Errorf("ION_IOC_IMPORT(%d): %w", fd, err)
	}
	handle := d.fdData.Handle
	defer d.freeLocked(handle)
	d.phys = sunxiPhysData{Handle: handle}
	d.custom = ionCustomData{Cmd: ionSunxiPhysAddr, Arg: uintptr(unsafe.Pointer(&d.phys))}
	if err := d.ionCall(ionIocCustom, unsafe.Pointer(&d.custom)); err != nil {
		return 0, fmt.Errorf("ION_IOC_SUNXI_PHYS_ADDR(%d): %w", fd, err)
	}
	if d.phys.PhysAddr == 0 {
		return 0, fmt.Errorf("ION_IOC_SUNXI_PHYS_ADDR(%d): no physical address", fd)
	}
	return uint64(d.phys.PhysAddr), nil
}

func (d *Device) SyncCache(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fdData = ionFDData{FD: int32(fd)}
	if err := d.ionCall(ionIocSync, unsafe.Pointer(&d.fdData)); err != nil {
		return fmt.Errorf("ION_IOC_SYNC(%d): %w", fd, err)
	}
	return nil
}

func (d *Device) Mmap(fd, size int) ([]byte, error) {
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %v", err)
	}
	return b, nil
}

func (d *Device) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (d *Device) HasTransform() bool { return d.tr >= 0 }

func (d *Device) trCall(req uintptr) (int, error) {
	r, err := d.ioctl(d.tr, req, unsafe.Pointer(&d.args))
	return int(int32(r)), err
}

func (d *Device) TransformRequest() (TRHandle, error) {
	if d.tr < 0 {
		return 0, ErrNoDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(unsafe.Pointer(&d.trh)))
	r, err := d.ioctl(d.tr, TR_REQUEST, unsafe.Pointer(&d.args))
	if err != nil || r == 0 {
		return 0, fmt.Errorf("TR_REQUEST: %v", err)
	}
	return TRHandle(r), nil
}

func (d *Device) TransformCommit(h TRHandle, info *TRInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tri = *info
	d.setArgs(uintptr(h), uintptr(unsafe.Pointer(&d.tri)))
	r, err := d.trCall(TR_COMMIT)
	if err != nil || r != 0 {
		return fmt.Errorf("TR_COMMIT: %d, %v", r, err)
	}
	return nil
}

func (d *Device) TransformQuery(h TRHandle) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(h))
	r, err := d.trCall(TR_QUERY)
	if err != nil || r < 0 {
		return r, fmt.Errorf("TR_QUERY: %d, %v", r, err)
	}
	return r, nil
}

func (d *Device) TransformSetTimeout(h TRHandle, ms int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(h), uintptr(ms))
	if r, err := d.trCall(TR_SET_TIMEOUT); err != nil || r != 0 {
		return fmt.Errorf("TR_SET_TIMEOUT(%d): %d, %v", ms, r, err)
	}
	return nil
}

func (d *Device) TransformRelease(h TRHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setArgs(uintptr(h))
	if _, err := d.trCall(TR_RELEASE); err != nil {
		return fmt.Errorf("TR_RELEASE: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	var errs []error
	if d.tr >= 0 {
		errs = append(errs, unix.Close(d.tr))
	}
	errs = append(errs, unix.Close(d.ion), unix.Close(d.disp))
	return errors.Join(errs...)
}
