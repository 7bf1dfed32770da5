package pmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errArenaSize  = &kernel.Error{Module: "pmm", Message: "arena size must be a non-zero multiple of the page size"}
	errArenaMap   = &kernel.Error{Module: "pmm", Message: "unable to map physical memory arena"}
	errArenaUnmap = &kernel.Error{Module: "pmm", Message: "unable to unmap physical memory arena"}

	// mmapFn and munmapFn are mocked by tests.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap
)

// Arena models the machine's physical memory as a contiguous, page-aligned
// region of host memory. Physical address p is reachable by the kernel at
// virtual address KernelAddr(p).
type Arena struct {
	region []byte
	base   uintptr
	frames uint64
}

// NewArena reserves size bytes of physical memory.
func NewArena(size mem.Size) (*Arena, *kernel.Error) {
	if size == 0 || size&(mem.PageSize-1) != 0 {
		return nil, errArenaSize
	}

	region, err := mmapFn(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errArenaMap
	}

	return &Arena{
		region: region,
		base:   uintptr(unsafe.Pointer(&region[0])),
		frames: size.Pages(),
	}, nil
}

// Release returns the arena memory to the host. The arena must not be used
// after a call to Release.
func (a *Arena) Release() *kernel.Error {
	if a.region == nil {
		return nil
	}

	if err := munmapFn(a.region); err != nil {
		return errArenaUnmap
	}
	a.region, a.base, a.frames = nil, 0, 0
	return nil
}

// FrameCount returns the number of frames in the arena.
func (a *Arena) FrameCount() uint64 {
	return a.frames
}

// Size returns the amount of physical memory in the arena.
func (a *Arena) Size() mem.Size {
	return mem.Size(a.frames) << mem.PageShift
}

// Contains returns true if f is backed by this arena.
func (a *Arena) Contains(f Frame) bool {
	return f.Valid() && uint64(f) < a.frames
}

// KernelAddr returns the kernel virtual address where physical address
// physAddr can be accessed.
func (a *Arena) KernelAddr(physAddr uintptr) uintptr {
	return a.base + physAddr
}

// FrameFromKernelAddr returns the frame containing the kernel virtual address
// kva. It returns InvalidFrame if kva does not point inside the arena.
func (a *Arena) FrameFromKernelAddr(kva uintptr) Frame {
	if kva < a.base || uint64(kva-a.base) >= a.frames<<mem.PageShift {
		return InvalidFrame
	}
	return FrameFromAddress(kva - a.base)
}
