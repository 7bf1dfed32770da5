package vmm

import (
	"gophervm/kernel/cpu"
	"gophervm/kernel/gate"
)

// Access translates virtAddr the way the MMU does for a memory access and
// returns the physical address it resolves to. Translations are served from
// the TLB while this PDT is active. A table walk sets the accessed bit of the
// leaf entry (and the dirty bit for writes) and caches the translation; a
// write through a cached translation whose dirty bit was clear walks the
// table again so the dirty bit gets set.
//
// If the access cannot be completed, Access returns false together with the
// error code that the CPU would push when raising a page fault.
func (pdt *PageDirectoryTable) Access(virtAddr uintptr, write, user bool) (uintptr, gate.PageFaultErrorCode, bool) {
	var errCode gate.PageFaultErrorCode
	if write {
		errCode |= gate.PFWrite
	}
	if user {
		errCode |= gate.PFUser

		// User accesses to the kernel half always fail the privilege check.
		if !IsUserAddr(virtAddr) && IsKernelAddr(virtAddr) {
			return 0, errCode | gate.PFPresent, false
		}
	}

	pdtAddr := pdt.pdtFrame.Address()
	if entry, hit := cpu.LookupTLB(pdtAddr, virtAddr); hit {
		if (!user || entry.User) && (!write || (entry.Writable && entry.Dirty)) {
			return entry.PhysAddr + PageOffset(virtAddr), 0, true
		}
	}

	pdt.lock.Acquire()
	defer pdt.lock.Release()

	var (
		leaf       *pageTableEntry
		allowWrite = true
		allowUser  = true
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// Effective permissions are the intersection of the permissions
		// granted at each level.
		allowWrite = allowWrite && pte.HasFlags(FlagRW)
		allowUser = allowUser && pte.HasFlags(FlagUserAccessible)

		if pteLevel == pageLevels-1 {
			leaf = pte
		}
		return true
	})

	if leaf == nil {
		return 0, errCode, false
	}

	if (user && !allowUser) || (write && !allowWrite) {
		return 0, errCode | gate.PFPresent, false
	}

	leaf.SetFlags(FlagAccessed)
	if write {
		leaf.SetFlags(FlagDirty)
	}

	physAddr := leaf.Frame().Address()
	cpu.FillTLB(pdtAddr, virtAddr, cpu.TLBEntry{
		PhysAddr: physAddr,
		Writable: allowWrite,
		User:     allowUser,
		Dirty:    leaf.HasFlags(FlagDirty),
	})

	return physAddr + PageOffset(virtAddr), 0, true
}
