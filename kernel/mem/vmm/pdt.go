package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/cpu"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/sync"
)

var (
	// physMem holds the page frames of all page directory tables.
	physMem *pmm.Arena

	// allocFrameFn and freeFrameFn are registered by Init and used for
	// allocating page directory table frames.
	allocFrameFn FrameAllocatorFn
	freeFrameFn  FrameReleaserFn

	// kernelPDT maps all physical memory at KernelBase. Its top-level
	// entries for the kernel half are shared by every PDT.
	kernelPDT *PageDirectoryTable

	// the following functions are mocked by tests.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errDestroyKernelPDT  = &kernel.Error{Module: "vmm", Message: "attempted to destroy the kernel page directory table"}
)

// FrameAllocatorFn is a function that can allocate zeroed physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a frame to its allocator.
type FrameReleaserFn func(pmm.Frame) *kernel.Error

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. All methods are safe for concurrent use.
type PageDirectoryTable struct {
	lock sync.Spinlock

	pdtFrame pmm.Frame
}

// Init registers the physical memory arena and the frame allocator used for
// page tables, builds the kernel PDT mapping all physical memory at KernelBase
// and activates it.
func Init(arena *pmm.Arena, allocFn FrameAllocatorFn, freeFn FrameReleaserFn) *kernel.Error {
	physMem = arena
	allocFrameFn = allocFn
	freeFrameFn = freeFn

	pdtFrame, err := allocFrameFn()
	if err != nil {
		return err
	}

	pdt := &PageDirectoryTable{pdtFrame: pdtFrame}
	for frame := pmm.Frame(0); uint64(frame) < arena.FrameCount(); frame++ {
		if err = pdt.Map(PageFromAddress(KernelBase+frame.Address()), frame, FlagRW|FlagGlobal|FlagNoExecute); err != nil {
			return err
		}
	}

	kernelPDT = pdt
	kernelPDT.Activate()
	return nil
}

// KernelPDT returns the page directory table set up by Init.
func KernelPDT() *PageDirectoryTable {
	return kernelPDT
}

// NewPDT allocates a page directory table that shares the kernel's upper
// half mappings and contains no user mappings.
func NewPDT() (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := allocFrameFn()
	if err != nil {
		return nil, err
	}

	for entryIndex := kernelPML4Index; entryIndex < entriesPerTable; entryIndex++ {
		*entryAt(pdtFrame, entryIndex) = *entryAt(kernelPDT.pdtFrame, entryIndex)
	}

	return &PageDirectoryTable{pdtFrame: pdtFrame}, nil
}

// Frame returns the physical frame of the top-level table.
func (pdt *PageDirectoryTable) Frame() pmm.Frame {
	return pdt.pdtFrame
}

// Activate enables this page directory table and flushes the TLB. Calling
// Activate on a nil PDT activates the kernel PDT.
func (pdt *PageDirectoryTable) Activate() {
	if pdt == nil {
		pdt = kernelPDT
	}
	switchPDTFn(pdt.pdtFrame.Address())
}

// IsActive returns true if this is the currently active page directory table.
func (pdt *PageDirectoryTable) IsActive() bool {
	return activePDTFn() == pdt.pdtFrame.Address()
}

// invalidate drops the cached translation for virtAddr if this PDT is active.
func (pdt *PageDirectoryTable) invalidate(virtAddr uintptr) {
	if pdt.IsActive() {
		flushTLBEntryFn(virtAddr)
	}
}

// Destroy releases the tables backing the user half of the address space
// and the top-level table itself. Frames referenced by leaf entries are not
// released. If this PDT is active, the kernel PDT is activated first.
// Destroying the kernel PDT is a fatal error.
func (pdt *PageDirectoryTable) Destroy() {
	if pdt == kernelPDT {
		kfmt.Panic(errDestroyKernelPDT)
		return
	}

	if pdt.IsActive() {
		kernelPDT.Activate()
	}

	pdt.lock.Acquire()
	defer pdt.lock.Release()

	for entryIndex := uintptr(0); entryIndex < kernelPML4Index; entryIndex++ {
		if pte := entryAt(pdt.pdtFrame, entryIndex); pte.HasFlags(FlagPresent) {
			destroyTable(pte.Frame(), 1)
		}
	}

	_ = freeFrameFn(pdt.pdtFrame)
	pdt.pdtFrame = pmm.InvalidFrame
}

// destroyTable releases the table stored in tableFrame and, unless it is a
// leaf table, all tables reachable from it.
func destroyTable(tableFrame pmm.Frame, level uint8) {
	if level < pageLevels-1 {
		for entryIndex := uintptr(0); entryIndex < entriesPerTable; entryIndex++ {
			if pte := entryAt(tableFrame, entryIndex); pte.HasFlags(FlagPresent) {
				destroyTable(pte.Frame(), level+1)
			}
		}
	}

	_ = freeFrameFn(tableFrame)
}

// Visit invokes visitor for each present leaf entry in depth-first order,
// passing the virtual page it maps. Visit stops and returns false as soon as
// visitor returns false.
func (pdt *PageDirectoryTable) Visit(visitor func(page Page, frame pmm.Frame, flags PageTableEntryFlag) bool) bool {
	pdt.lock.Acquire()
	defer pdt.lock.Release()

	return visitTable(pdt.pdtFrame, 0, 0, visitor)
}

func visitTable(tableFrame pmm.Frame, level uint8, baseAddr uintptr, visitor func(Page, pmm.Frame, PageTableEntryFlag) bool) bool {
	for entryIndex := uintptr(0); entryIndex < entriesPerTable; entryIndex++ {
		pte := entryAt(tableFrame, entryIndex)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := baseAddr | entryIndex<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if !visitor(PageFromAddress(virtAddr), pte.Frame(), pte.Flags()) {
				return false
			}
			continue
		}

		if !visitTable(pte.Frame(), level+1, virtAddr, visitor) {
			return false
		}
	}

	return true
}
