package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"

	"github.com/sirupsen/logrus"
)

// StackLimit is the lowest address the user stack may grow down to.
const StackLimit = vmm.UserStack - uintptr(1*mem.Mb)

// AllocPage registers a lazily loaded page of the requested type at the page
// containing va. The page becomes resident on its first fault, at which point
// initFn (if not nil) is invoked with aux. File pages require a *FileSegment
// aux describing their contents.
func (m *Manager) AllocPage(as *AddressSpace, typ Type, va uintptr, writable bool, initFn Initializer, aux interface{}) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return errDeadAddressSpace
	}

	_, err := as.allocPage(typ, va, writable, initFn, aux)
	return err
}

func (as *AddressSpace) allocPage(typ Type, va uintptr, writable bool, initFn Initializer, aux interface{}) (*Page, *kernel.Error) {
	switch {
	case typ == TypeUninit || typ > TypeFile:
		return nil, errUninitAlloc
	case !vmm.IsUserAddr(va):
		return nil, errBadAddress
	}

	if typ == TypeFile {
		if seg, ok := aux.(*FileSegment); !ok || seg == nil || seg.File == nil {
			return nil, errBadFileSegment
		}
	}

	p := newPage(as, pageRoundDown(va), writable, newUninitPage(typ, initFn, aux))
	if err := as.spt.Insert(p); err != nil {
		return nil, err
	}

	return p, nil
}

// Claim makes the page containing va resident. If no page exists at va, a
// writable anonymous page is created first.
func (m *Manager) Claim(as *AddressSpace, va uintptr) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return errDeadAddressSpace
	}

	p := as.spt.Find(va)
	if p == nil {
		var err *kernel.Error
		if p, err = as.allocPage(TypeAnon, va, true, nil, nil); err != nil {
			return err
		}
	}

	return m.claim(p, nil, false)
}

// claim obtains a frame for p, maps it and loads the page contents. If fill
// is not nil it is invoked with the frame contents after the page has been
// loaded. dirty marks the filled contents as modified relative to the
// backing store; it is ignored for read-only pages. Claiming a resident page
// is a no-op. The owner of p must be locked.
func (m *Manager) claim(p *Page, fill func([]byte), dirty bool) *kernel.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frame != nil {
		return nil
	}

	f := m.getFrame()
	m.frames.link(f, p)

	if err := p.owner.pdt.Map(p.vpage(), f.pfn, p.mapFlags()); err != nil {
		m.frames.unlink(f)
		m.releaseFrame(f)
		return err
	}

	if err := p.ops.swapIn(p, f.kva); err != nil {
		p.unmapAndRelease()
		return err
	}

	if fill != nil {
		fill(f.Bytes())
		if dirty && p.writable {
			p.owner.pdt.SetDirty(p.vpage(), true)
		}
	}

	m.frames.unpin(f)
	m.stats.claims.Add(1)
	return nil
}

// TryHandleFault resolves a page fault at addr in as. It returns false if
// the fault is caused by an invalid access, in which case the faulting
// process must be terminated.
//
// Faults just below the stack pointer grow the stack. The stack pointer is
// read from regs for faults raised in user-mode and from the value saved by
// SetUserStackPointer otherwise.
func (m *Manager) TryHandleFault(as *AddressSpace, regs *gate.Registers, addr uintptr, user, write, notPresent bool) bool {
	m.stats.faults.Add(1)

	errCode := faultCode(user, write, notPresent)
	if addr == 0 || !vmm.IsUserAddr(addr) || !notPresent {
		m.rejectFault(addr, errCode)
		return false
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		m.rejectFault(addr, errCode)
		return false
	}

	p := as.spt.Find(addr)
	if p == nil {
		rsp := as.userRSP
		if user && regs != nil {
			rsp = uintptr(regs.RSP)
		}

		if !m.isStackGrowth(addr, rsp) {
			m.rejectFault(addr, errCode)
			return false
		}

		m.growStack(as, addr)
		return true
	}

	if write && !p.writable {
		m.rejectFault(addr, errCode|gate.PFPresent)
		return false
	}

	if err := m.claim(p, nil, false); err != nil {
		m.stats.faultsRejected.Add(1)
		kfmt.Log().WithFields(logrus.Fields{
			"va":     hexAddr(addr),
			"reason": err.Message,
		}).Warn("unable to claim page")
		return false
	}

	return true
}

func (m *Manager) isStackGrowth(addr, rsp uintptr) bool {
	return addr >= StackLimit && addr < vmm.UserStack && addr+uintptr(m.cfg.StackGrowthMargin) >= rsp
}

// growStack adds a resident stack page at addr. The faulting thread cannot
// continue without it, so failures are fatal.
func (m *Manager) growStack(as *AddressSpace, addr uintptr) {
	p, err := as.allocPage(TypeAnon, addr, true, nil, nil)
	if err == nil {
		err = m.claim(p, nil, false)
	}

	if err != nil {
		kfmt.Panic(err)
		return
	}

	m.stats.stackGrowths.Add(1)
	kfmt.Log().WithField("va", hexAddr(p.va)).Debug("stack grown")
}

func (m *Manager) rejectFault(addr uintptr, errCode gate.PageFaultErrorCode) {
	m.stats.faultsRejected.Add(1)
	m.faultLog.WithFields(logrus.Fields{
		"va":     hexAddr(addr),
		"reason": errCode.Reason(),
	}).Warn("unhandled page fault")
}

func faultCode(user, write, notPresent bool) gate.PageFaultErrorCode {
	var code gate.PageFaultErrorCode
	if !notPresent {
		code |= gate.PFPresent
	}
	if write {
		code |= gate.PFWrite
	}
	if user {
		code |= gate.PFUser
	}
	return code
}
