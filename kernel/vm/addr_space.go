package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem/vmm"
	"sync"
)

// AddressSpace is the virtual memory of a user process: a hardware page
// directory table and the supplemental page table describing its pages.
type AddressSpace struct {
	// mu serializes page faults, claims, mappings and teardown.
	mu sync.Mutex

	mgr  *Manager
	pdt  *vmm.PageDirectoryTable
	spt  SupplementalPageTable
	dead bool

	// userRSP is the user stack pointer saved on entry to the kernel.
	userRSP uintptr
}

// NewAddressSpace creates an empty address space.
func (m *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	pdt, err := vmm.NewPDT()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{
		mgr:     m,
		pdt:     pdt,
		userRSP: vmm.UserStack,
	}
	as.spt.Init(as)

	m.mu.Lock()
	m.spaces[as] = struct{}{}
	m.mu.Unlock()

	return as, nil
}

// PDT returns the hardware page table of the address space.
func (as *AddressSpace) PDT() *vmm.PageDirectoryTable {
	return as.pdt
}

// SPT returns the supplemental page table of the address space. Callers must
// not use it while other goroutines access the address space.
func (as *AddressSpace) SPT() *SupplementalPageTable {
	return &as.spt
}

// FindPage returns the page containing va or nil.
func (as *AddressSpace) FindPage(va uintptr) *Page {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.spt.Find(va)
}

// PageCount returns the number of pages in the address space.
func (as *AddressSpace) PageCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.spt.Len()
}

// SetUserStackPointer records the user stack pointer used for stack growth
// decisions on faults raised in kernel-mode.
func (as *AddressSpace) SetUserStackPointer(rsp uintptr) {
	as.mu.Lock()
	as.userRSP = rsp
	as.mu.Unlock()
}

// Activate loads the page directory table of the address space.
func (as *AddressSpace) Activate() {
	as.pdt.Activate()
}

// Fork creates a new address space holding a copy of every page of as.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	child, err := as.mgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		child.Destroy()
		return nil, errDeadAddressSpace
	}

	child.mu.Lock()
	child.userRSP = as.userRSP
	err = child.spt.Copy(&as.spt)
	child.mu.Unlock()

	if err != nil {
		child.Destroy()
		return nil, err
	}

	as.mgr.stats.forks.Add(1)
	return child, nil
}

// Destroy releases every page of the address space followed by its page
// tables. Destroying an address space more than once has no effect.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return
	}

	as.spt.Kill()
	as.pdt.Destroy()
	as.dead = true

	as.mgr.mu.Lock()
	delete(as.mgr.spaces, as)
	as.mgr.mu.Unlock()
}
