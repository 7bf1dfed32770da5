package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/pmm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// entryAt returns a pointer to the entry with the given index inside the
// table stored in tableFrame.
func entryAt(tableFrame pmm.Frame, entryIndex uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(physMem.KernelAddr(tableFrame.Address()) + (entryIndex << mem.PointerShift)))
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk stops when walkFn returns false or when the entry
// for the current level is not present once walkFn returns.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := entryAt(tableFrame, entryIndex)
		if !walkFn(level, pte) || !pte.HasFlags(FlagPresent) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. If create is true, any missing intermediate
// table is allocated and linked with full access permissions; if an
// allocation fails, the tables created by this call are unlinked and freed.
// Otherwise, ErrInvalidMapping is returned when an intermediate table is
// missing. The returned leaf entry may not be present.
func (pdt *PageDirectoryTable) pteForAddress(virtAddr uintptr, create bool) (*pageTableEntry, *kernel.Error) {
	var (
		err     *kernel.Error
		entry   *pageTableEntry
		created []*pageTableEntry
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if pte.HasFlags(FlagPresent) {
			return true
		}

		if !create {
			err = ErrInvalidMapping
			return false
		}

		var tableFrame pmm.Frame
		if tableFrame, err = allocFrameFn(); err != nil {
			return false
		}

		*pte = makeEntry(tableFrame, FlagPresent|FlagRW|FlagUserAccessible)
		created = append(created, pte)
		return true
	})

	if err != nil {
		for i := len(created) - 1; i >= 0; i-- {
			_ = freeFrameFn(created[i].Frame())
			*created[i] = 0
		}
		return nil, err
	}

	return entry, nil
}
