// Package vm implements demand paging on top of the hardware page tables
// managed by the vmm package. Every address space keeps a supplemental page
// table describing each of its virtual pages; pages are materialized lazily
// by the page fault handler and evicted to the swap device under memory
// pressure using a clock policy.
package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/mem/pmm/allocator"
	"io"
)

var (
	// ErrAlreadyMapped is returned when a page is added at a virtual address
	// that already belongs to another page.
	ErrAlreadyMapped = &kernel.Error{Module: "vm", Message: "virtual page already mapped"}

	// ErrSegmentationFault is returned by Read and Write when an access
	// could not be completed. The caller is expected to terminate the
	// process that owns the address space.
	ErrSegmentationFault = &kernel.Error{Module: "vm", Message: "segmentation fault"}

	// ErrCopyFailed is returned by Fork and Copy when the destination could
	// not be populated. The destination must be discarded.
	ErrCopyFailed = &kernel.Error{Module: "vm", Message: "unable to copy supplemental page table"}

	errUninitAlloc       = &kernel.Error{Module: "vm", Message: "pages must be allocated with a concrete type"}
	errBadAddress        = &kernel.Error{Module: "vm", Message: "address is not a user address"}
	errBadFileSegment    = &kernel.Error{Module: "vm", Message: "file pages require a *FileSegment aux"}
	errDeadAddressSpace  = &kernel.Error{Module: "vm", Message: "address space has been destroyed"}
	errUninitSwapOut     = &kernel.Error{Module: "vm", Message: "uninitialized pages cannot be swapped out"}
	errNotSwapped        = &kernel.Error{Module: "vm", Message: "anonymous page does not hold a swap slot"}
	errSwapSlotCorrupted = &kernel.Error{Module: "vm", Message: "page refers to a free swap slot"}
	errFileRead          = &kernel.Error{Module: "vm", Message: "short read from backing file"}
	errFileWrite         = &kernel.Error{Module: "vm", Message: "short write to backing file"}
)

// Type identifies the variant of a page.
type Type uint8

const (
	// TypeUninit pages have not been materialized yet.
	TypeUninit Type = iota

	// TypeAnon pages are not backed by a file and are evicted to swap.
	TypeAnon

	// TypeFile pages are backed by a region of a file.
	TypeFile
)

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeUninit:
		return "uninit"
	case TypeAnon:
		return "anon"
	case TypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Initializer populates a page the first time it becomes resident. It runs
// with the page locked and its frame mapped; Page.Contents returns the frame
// contents.
type Initializer func(page *Page, aux interface{}) *kernel.Error

// AuxCloner is implemented by initializer aux values that need custom logic
// when an address space is forked. Values that do not implement it are deep
// copied.
type AuxCloner interface {
	CloneAux() interface{}
}

// File is the subset of file operations required by file-backed pages.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the file length in bytes.
	Size() int64
}

// FileSegment describes the part of a file backing a single page. The first
// ReadBytes bytes of the page are read from File at Offset; the remainder of
// the page is zero-filled.
type FileSegment struct {
	File      File
	Offset    int64
	ReadBytes int
}

// CloneAux implements AuxCloner. Forked address spaces share the backing
// file.
func (s *FileSegment) CloneAux() interface{} {
	clone := *s
	return &clone
}

// FramePool is the physical frame allocator that backs resident pages.
type FramePool interface {
	AllocFrame(kind allocator.PoolKind) (pmm.Frame, *kernel.Error)
	FreeFrame(pmm.Frame) *kernel.Error
}
