package vmm

import "gophervm/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// IsUserAddr returns true if virtAddr is a non-null address that user pages
// can be mapped at.
func IsUserAddr(virtAddr uintptr) bool {
	return virtAddr != 0 && virtAddr < userSpaceEnd
}

// IsKernelAddr returns true if virtAddr belongs to the kernel half of the
// address space.
func IsKernelAddr(virtAddr uintptr) bool {
	return virtAddr >= KernelBase
}
