// Package pmm models physical memory: page frames and the arena that backs
// them in the hosted build.
package pmm

import (
	"gophervm/kernel/mem"
	"math"
	"strconv"
)

// Frame is the index of a physical page.
type Frame uintptr

// InvalidFrame is returned by allocators that could not reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns false for InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// String formats the frame number in hex, e.g. "pfn 0x1a".
func (f Frame) String() string {
	if !f.Valid() {
		return "pfn invalid"
	}
	return "pfn 0x" + strconv.FormatUint(uint64(f), 16)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
