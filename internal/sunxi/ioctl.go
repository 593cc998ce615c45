package sunxi

import "unsafe"

// Linux ioctl request encoding:
//
//	_IO(type, nr)          = (type << 8) | nr
//	_IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

// hwcIoctlArg is hwc_ioctl_arg, passed in arg[1] of DISP_HWC_COMMIT.
type hwcIoctlArg struct {
	Cmd int32
	Arg uintptr
}

// hwcCommitData is hwc_commit_data_t.
type hwcCommitData struct {
	LayerInfo      [2]uintptr
	ReleaseFenceFD [SyncSinks]int32
	Data           uintptr
	ForceFlip      [2]uint8
}

type ionAllocationData struct {
	Len        uintptr
	Align      uintptr
	HeapIDMask uint32
	Flags      uint32
	Handle     int32
}

type ionFDData struct {
	Handle int32
	FD     int32
}

type ionHandleData struct {
	Handle int32
}

type ionCustomData struct {
	Cmd uint32
	Arg uintptr
}

type sunxiPhysData struct {
	Handle   int32
	PhysAddr uint32
	Size     uint32
}

const (
	ionMagic = 'I'

	// ION_IOC_SUNXI_PHYS_ADDR, the custom command returning the physical
	// address of an imported handle.
	ionSunxiPhysAddr = 7
)

var (
	ionIocAlloc  = iowr(ionMagic, 0, unsafe.Sizeof(ionAllocationData{}))
	ionIocFree   = iowr(ionMagic, 1, unsafe.Sizeof(ionHandleData{}))
	ionIocShare  = iowr(ionMagic, 4, unsafe.Sizeof(ionFDData{}))
	ionIocImport = iowr(ionMagic, 5, unsafe.Sizeof(ionFDData{}))
	ionIocCustom = iowr(ionMagic, 6, unsafe.Sizeof(ionCustomData{}))
	ionIocSync   = iowr(ionMagic, 7, unsafe.Sizeof(ionFDData{}))
)
