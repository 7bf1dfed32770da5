package gate

import (
	"gophervm/kernel/kfmt"
	"io"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// PageFaultErrorCode is the error code pushed by the CPU when raising a
// PageFaultException.
type PageFaultErrorCode uint64

const (
	// PFPresent is set when the fault was a protection violation and
	// cleared when the page was not present.
	PFPresent PageFaultErrorCode = 1 << iota

	// PFWrite is set when the faulting access was a write.
	PFWrite

	// PFUser is set when the fault occurred while running in user-mode.
	PFUser

	// PFReserved is set when a page table entry has a reserved bit set.
	PFReserved

	// PFInstructionFetch is set when the fault was caused by an
	// instruction fetch.
	PFInstructionFetch
)

// NotPresent returns true if the fault was caused by a non-present page.
func (c PageFaultErrorCode) NotPresent() bool { return c&PFPresent == 0 }

// Write returns true if the faulting access was a write.
func (c PageFaultErrorCode) Write() bool { return c&PFWrite != 0 }

// User returns true if the fault occurred in user-mode.
func (c PageFaultErrorCode) User() bool { return c&PFUser != 0 }

// Reason returns a human readable description of the fault cause.
func (c PageFaultErrorCode) Reason() string {
	switch {
	case c&PFReserved != 0:
		return "page table has reserved bit set"
	case c&PFInstructionFetch != 0:
		return "instruction fetch"
	}

	var reason string
	switch c & (PFPresent | PFWrite) {
	case 0:
		reason = "read from non-present page"
	case PFPresent:
		reason = "page protection violation (read)"
	case PFWrite:
		reason = "write to non-present page"
	default:
		reason = "page protection violation (write)"
	}

	if c.User() {
		reason += " in user-mode"
	}
	return reason
}
