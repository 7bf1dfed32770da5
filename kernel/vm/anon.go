package vm

import (
	"gophervm/device/block"
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/swap"
)

// anonPage is the variant of pages without a backing file. Their contents
// are written to a swap slot when evicted.
type anonPage struct {
	// slot holds the page contents while the page is swapped out. It is
	// swap.NoSlot otherwise.
	slot uint
}

func anonInitializer(_ *Page, _ *uninitPage, _ uintptr) (pageOps, *kernel.Error) {
	return &anonPage{slot: swap.NoSlot}, nil
}

func (a *anonPage) pageType() Type { return TypeAnon }

func (a *anonPage) swapIn(p *Page, kva uintptr) *kernel.Error {
	if a.slot == swap.NoSlot {
		return errNotSwapped
	}

	m := p.manager()
	if !m.slots.Test(a.slot) {
		kfmt.Panic(errSwapSlotCorrupted)
		return errSwapSlotCorrupted
	}

	if err := m.readSlot(a.slot, kernel.Bytes(kva, uintptr(mem.PageSize))); err != nil {
		return err
	}

	m.slots.Reset(a.slot)
	a.slot = swap.NoSlot
	m.stats.swapIns.Add(1)
	return nil
}

// swapOut writes the page to a free swap slot. The hardware mapping is
// removed before the frame contents are written out.
func (a *anonPage) swapOut(p *Page) *kernel.Error {
	m := p.manager()
	slot, err := m.slots.ScanAndFlip()
	if err != nil {
		return err
	}

	if err = p.owner.pdt.Unmap(p.vpage()); err != nil {
		m.slots.Reset(slot)
		return err
	}

	if err = m.writeSlot(slot, p.frame.Bytes()); err != nil {
		m.slots.Reset(slot)
		if mapErr := p.owner.pdt.Map(p.vpage(), p.frame.pfn, p.mapFlags()); mapErr != nil {
			logRemapFailure(p, mapErr)
		}
		return err
	}

	a.slot = slot
	m.frames.unlink(p.frame)
	m.stats.swapOuts.Add(1)
	return nil
}

func (a *anonPage) destroy(p *Page) {
	if a.slot != swap.NoSlot {
		p.manager().slots.Reset(a.slot)
		a.slot = swap.NoSlot
	}
	p.unmapAndRelease()
}

// readSlot copies the contents of a swap slot into buf.
func (m *Manager) readSlot(slot uint, buf []byte) *kernel.Error {
	sector := swap.FirstSector(slot)
	for i := uint64(0); i < swap.SlotSectors; i++ {
		if err := m.swapDev.ReadSector(sector+i, buf[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// writeSlot copies buf into a swap slot.
func (m *Manager) writeSlot(slot uint, buf []byte) *kernel.Error {
	sector := swap.FirstSector(slot)
	for i := uint64(0); i < swap.SlotSectors; i++ {
		if err := m.swapDev.WriteSector(sector+i, buf[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
