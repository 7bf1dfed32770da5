package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/gate"
	"gophervm/kernel/mem"
)

// Read copies len(buf) bytes starting at the user address va of as into buf
// the way a user-mode load would, handling any page faults raised along the
// way. It returns ErrSegmentationFault if a fault cannot be resolved.
func (m *Manager) Read(as *AddressSpace, regs *gate.Registers, va uintptr, buf []byte) *kernel.Error {
	return m.access(as, regs, va, buf, false)
}

// Write copies data to the user address va of as the way a user-mode store
// would, handling any page faults raised along the way. It returns
// ErrSegmentationFault if a fault cannot be resolved.
func (m *Manager) Write(as *AddressSpace, regs *gate.Registers, va uintptr, data []byte) *kernel.Error {
	return m.access(as, regs, va, data, true)
}

func (m *Manager) access(as *AddressSpace, regs *gate.Registers, va uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		chunkLen := int(pageRoundDown(va) + uintptr(mem.PageSize) - va)
		if chunkLen > len(buf) {
			chunkLen = len(buf)
		}

		for {
			errCode, done, err := m.copyChunk(as, va, buf[:chunkLen], write)
			if err != nil {
				return err
			}
			if done {
				break
			}

			if !m.TryHandleFault(as, regs, va, true, write, errCode.NotPresent()) {
				return ErrSegmentationFault
			}
		}

		va += uintptr(chunkLen)
		buf = buf[chunkLen:]
	}

	return nil
}

// copyChunk performs an access that does not cross a page boundary. The page
// stays locked while its frame is accessed so it cannot be evicted midway.
// If the MMU raises a fault, its error code is returned.
func (m *Manager) copyChunk(as *AddressSpace, va uintptr, chunk []byte, write bool) (gate.PageFaultErrorCode, bool, *kernel.Error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return 0, false, errDeadAddressSpace
	}

	if !as.pdt.IsActive() {
		as.pdt.Activate()
	}

	if p := as.spt.Find(va); p != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}

	physAddr, errCode, ok := as.pdt.Access(va, write, true)
	if !ok {
		return errCode, false, nil
	}

	frameBytes := kernel.Bytes(m.arena.KernelAddr(physAddr), uintptr(len(chunk)))
	if write {
		copy(frameBytes, chunk)
	} else {
		copy(chunk, frameBytes)
	}
	return 0, true, nil
}
