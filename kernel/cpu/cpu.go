// Package cpu emulates the processor state that the memory management code
// interacts with: the CR3 register holding the active page directory table
// and a TLB caching translations for the active table. The emulated machine
// is a uniprocessor shared by all kernel threads.
package cpu

import (
	"gophervm/kernel"
	"sync"
)

// ErrHalted is the value Halt panics with.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted"}

// TLBEntry is a cached translation for a single virtual page.
type TLBEntry struct {
	// PhysAddr is the physical address of the page frame.
	PhysAddr uintptr

	// Writable and User mirror the permission bits of the leaf entry.
	Writable bool
	User     bool

	// Dirty is true if the dirty bit of the leaf entry was set when the
	// translation was cached. Writes through a clean entry force a table
	// walk so that the dirty bit gets updated.
	Dirty bool
}

var state struct {
	sync.Mutex

	// cr3 holds the physical address of the active page directory table.
	cr3 uintptr

	tlb map[uintptr]TLBEntry
}

// Halt stops instruction execution. The hosted kernel cannot stop the CPU so
// it unwinds the calling thread instead; the call never returns.
func Halt() {
	panic(ErrHalted)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	state.Lock()
	state.cr3 = pdtPhysAddr
	state.tlb = nil
	state.Unlock()
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	state.Lock()
	defer state.Unlock()
	return state.cr3
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	state.Lock()
	delete(state.tlb, pageAddr(virtAddr))
	state.Unlock()
}

// LookupTLB returns the cached translation for virtAddr. Translations are
// only served while pdtPhysAddr is the active page directory table.
func LookupTLB(pdtPhysAddr, virtAddr uintptr) (TLBEntry, bool) {
	state.Lock()
	defer state.Unlock()

	if state.cr3 != pdtPhysAddr {
		return TLBEntry{}, false
	}
	entry, ok := state.tlb[pageAddr(virtAddr)]
	return entry, ok
}

// FillTLB caches a translation for virtAddr. The request is ignored if
// pdtPhysAddr is not the active page directory table.
func FillTLB(pdtPhysAddr, virtAddr uintptr, entry TLBEntry) {
	state.Lock()
	defer state.Unlock()

	if state.cr3 != pdtPhysAddr {
		return
	}
	if state.tlb == nil {
		state.tlb = make(map[uintptr]TLBEntry)
	}
	state.tlb[pageAddr(virtAddr)] = entry
}

func pageAddr(virtAddr uintptr) uintptr {
	return virtAddr &^ 0xfff
}
