package swap

import (
	"gophervm/device/block"
	"sync"
	"testing"
)

func TestSlotTableSizing(t *testing.T) {
	specs := []struct {
		sectors  uint64
		expSlots uint
	}{
		{0, 0},
		{7, 0},
		{8, 1},
		{8*64 + 3, 64},
		{8 * 1000, 1000},
	}

	for specIndex, spec := range specs {
		if got := NewSlotTable(block.NewMemDisk(spec.sectors)).Len(); got != spec.expSlots {
			t.Errorf("[spec %d] expected %d slots; got %d", specIndex, spec.expSlots, got)
		}
	}

	if SlotSectors != 8 {
		t.Fatalf("expected a slot to span 8 sectors; got %d", SlotSectors)
	}

	if got := FirstSector(3); got != 24 {
		t.Fatalf("expected slot 3 to start at sector 24; got %d", got)
	}
}

func TestScanAndFlip(t *testing.T) {
	table := NewSlotTable(block.NewMemDisk(3 * SlotSectors))

	for exp := uint(0); exp < 3; exp++ {
		slot, err := table.ScanAndFlip()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if slot != exp {
			t.Fatalf("expected slot %d; got %d", exp, slot)
		}
		if !table.Test(slot) {
			t.Fatalf("expected slot %d to be marked as occupied", slot)
		}
	}

	if slot, err := table.ScanAndFlip(); err != ErrNoFreeSlot || slot != NoSlot {
		t.Fatalf("expected ErrNoFreeSlot and NoSlot; got %v and %d", err, slot)
	}

	table.Reset(1)
	if table.Test(1) {
		t.Fatal("expected slot 1 to be free after Reset")
	}
	if got := table.Used(); got != 2 {
		t.Fatalf("expected 2 occupied slots; got %d", got)
	}

	if slot, err := table.ScanAndFlip(); err != nil || slot != 1 {
		t.Fatalf("expected the freed slot to be reused; got %d, %v", slot, err)
	}
}

func TestSetTestReset(t *testing.T) {
	table := NewSlotTable(block.NewMemDisk(4 * SlotSectors))

	table.Set(2)
	if !table.Test(2) || table.Test(0) {
		t.Fatal("expected only slot 2 to be occupied")
	}

	// Out of range slots are never occupied
	table.Set(NoSlot)
	table.Reset(NoSlot)
	if table.Test(NoSlot) || table.Test(4) {
		t.Fatal("expected out of range slots to read as free")
	}

	table.Reset(2)
	if got := table.Used(); got != 0 {
		t.Fatalf("expected no occupied slots; got %d", got)
	}
}

func TestScanAndFlipConcurrent(t *testing.T) {
	const slots = 256
	var (
		table = NewSlotTable(block.NewMemDisk(slots * SlotSectors))
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = make(map[uint]bool)
	)

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < slots/8; i++ {
				slot, err := table.ScanAndFlip()
				if err != nil {
					t.Error(err)
					return
				}

				mu.Lock()
				if seen[slot] {
					t.Errorf("slot %d handed out twice", slot)
				}
				seen[slot] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := table.Used(); got != slots {
		t.Fatalf("expected all %d slots to be occupied; got %d", slots, got)
	}
}
