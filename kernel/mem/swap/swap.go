// Package swap tracks the allocation of page-sized slots on the swap device.
package swap

import (
	"gophervm/device/block"
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"gophervm/kernel/sync"
	"math"

	"github.com/bits-and-blooms/bitset"
)

const (
	// SlotSectors is the number of device sectors occupied by one slot.
	SlotSectors = uint64(mem.PageSize / block.SectorSize)

	// NoSlot is stored by pages that do not currently own a slot.
	NoSlot = uint(math.MaxUint64)
)

var (
	// ErrNoFreeSlot is returned by ScanAndFlip when every slot is in use.
	ErrNoFreeSlot = &kernel.Error{Module: "swap", Message: "no free swap slot"}
)

// SlotTable is a bitmap with one bit per swap slot; a set bit marks an
// occupied slot. It is safe for concurrent use.
type SlotTable struct {
	lock sync.Spinlock

	used *bitset.BitSet
	len  uint
}

// NewSlotTable creates a slot table sized to the capacity of dev.
func NewSlotTable(dev block.Device) *SlotTable {
	slots := uint(dev.SectorCount() / SlotSectors)
	return &SlotTable{
		used: bitset.New(slots),
		len:  slots,
	}
}

// FirstSector returns the first device sector of slot.
func FirstSector(slot uint) uint64 {
	return uint64(slot) * SlotSectors
}

// ScanAndFlip finds the first free slot, marks it as occupied and returns its
// index. Both steps happen atomically.
func (t *SlotTable) ScanAndFlip() (uint, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	slot, ok := t.used.NextClear(0)
	if !ok || slot >= t.len {
		return NoSlot, ErrNoFreeSlot
	}

	t.used.Set(slot)
	return slot, nil
}

// Set marks slot as occupied.
func (t *SlotTable) Set(slot uint) {
	t.lock.Acquire()
	if slot < t.len {
		t.used.Set(slot)
	}
	t.lock.Release()
}

// Test returns true if slot is occupied.
func (t *SlotTable) Test(slot uint) bool {
	t.lock.Acquire()
	defer t.lock.Release()
	return slot < t.len && t.used.Test(slot)
}

// Reset marks slot as free.
func (t *SlotTable) Reset(slot uint) {
	t.lock.Acquire()
	if slot < t.len {
		t.used.Clear(slot)
	}
	t.lock.Release()
}

// Used returns the number of occupied slots.
func (t *SlotTable) Used() uint {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.used.Count()
}

// Len returns the total number of slots.
func (t *SlotTable) Len() uint {
	return t.len
}
