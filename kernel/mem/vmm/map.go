package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem/pmm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated on demand. FlagPresent is
// always added to the supplied flags.
func (pdt *PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte, err := pdt.pteForAddress(page.Address(), true)
	if err != nil {
		return err
	}

	*pte = makeEntry(frame, FlagPresent|flags)
	pdt.invalidate(page.Address())
	return nil
}

// Unmap marks the mapping for page as not present.
func (pdt *PageDirectoryTable) Unmap(page Page) *kernel.Error {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte, err := pdt.pteForAddress(page.Address(), false)
	if err != nil {
		return err
	}

	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	pte.ClearFlags(FlagPresent)
	pdt.invalidate(page.Address())
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte, err := pdt.pteForAddress(virtAddr, false)
	if err != nil {
		return 0, err
	}

	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// IsDirty returns true if page is mapped and has been written to since its
// dirty bit was last cleared.
func (pdt *PageDirectoryTable) IsDirty(page Page) bool {
	return pdt.hasFlag(page, FlagDirty)
}

// SetDirty sets or clears the dirty bit for page.
func (pdt *PageDirectoryTable) SetDirty(page Page, dirty bool) {
	pdt.updateFlag(page, FlagDirty, dirty)
}

// IsAccessed returns true if page is mapped and has been accessed since its
// accessed bit was last cleared.
func (pdt *PageDirectoryTable) IsAccessed(page Page) bool {
	return pdt.hasFlag(page, FlagAccessed)
}

// SetAccessed sets or clears the accessed bit for page.
func (pdt *PageDirectoryTable) SetAccessed(page Page, accessed bool) {
	pdt.updateFlag(page, FlagAccessed, accessed)
}

func (pdt *PageDirectoryTable) hasFlag(page Page, flag PageTableEntryFlag) bool {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte, err := pdt.pteForAddress(page.Address(), false)
	return err == nil && pte.HasFlags(FlagPresent|flag)
}

// updateFlag sets or clears a status bit for a page. The cached translation
// is dropped so that the next access observes the change.
func (pdt *PageDirectoryTable) updateFlag(page Page, flag PageTableEntryFlag, set bool) {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	pte, err := pdt.pteForAddress(page.Address(), false)
	if err != nil {
		return
	}

	if set {
		pte.SetFlags(flag)
	} else {
		pte.ClearFlags(flag)
	}
	pdt.invalidate(page.Address())
}
