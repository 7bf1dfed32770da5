package vm

import (
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem/pmm/allocator"
	"io"
	"sync/atomic"
)

// stats holds the event counters of a Manager.
type stats struct {
	faults         atomic.Uint64
	faultsRejected atomic.Uint64
	stackGrowths   atomic.Uint64
	claims         atomic.Uint64
	evictions      atomic.Uint64
	swapIns        atomic.Uint64
	swapOuts       atomic.Uint64
	fileReads      atomic.Uint64
	fileWrites     atomic.Uint64
	forks          atomic.Uint64
	mmaps          atomic.Uint64
	clockScans     atomic.Uint64
	clockVisits    atomic.Uint64
	maxClockVisits atomic.Uint64
}

func (s *stats) recordClockScan(visits int) {
	s.clockScans.Add(1)
	s.clockVisits.Add(uint64(visits))
	for {
		cur := s.maxClockVisits.Load()
		if uint64(visits) <= cur || s.maxClockVisits.CompareAndSwap(cur, uint64(visits)) {
			return
		}
	}
}

// Stats is a snapshot of the Manager counters.
type Stats struct {
	Faults         uint64
	FaultsRejected uint64
	StackGrowths   uint64
	Claims         uint64
	Evictions      uint64
	SwapIns        uint64
	SwapOuts       uint64
	FileReads      uint64
	FileWrites     uint64
	Forks          uint64
	Mmaps          uint64

	// ClockScans counts victim selections. MaxClockVisits is the largest
	// number of frames a single selection visited.
	ClockScans     uint64
	ClockVisits    uint64
	MaxClockVisits uint64

	ResidentFrames int
	FreeUserFrames uint32
	SwapSlotsUsed  uint
	SwapSlots      uint
	AddressSpaces  int
}

// Stats returns a snapshot of the Manager counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Faults:         m.stats.faults.Load(),
		FaultsRejected: m.stats.faultsRejected.Load(),
		StackGrowths:   m.stats.stackGrowths.Load(),
		Claims:         m.stats.claims.Load(),
		Evictions:      m.stats.evictions.Load(),
		SwapIns:        m.stats.swapIns.Load(),
		SwapOuts:       m.stats.swapOuts.Load(),
		FileReads:      m.stats.fileReads.Load(),
		FileWrites:     m.stats.fileWrites.Load(),
		Forks:          m.stats.forks.Load(),
		Mmaps:          m.stats.mmaps.Load(),
		ClockScans:     m.stats.clockScans.Load(),
		ClockVisits:    m.stats.clockVisits.Load(),
		MaxClockVisits: m.stats.maxClockVisits.Load(),
		ResidentFrames: m.frames.len(),
		SwapSlotsUsed:  m.slots.Used(),
		SwapSlots:      m.slots.Len(),
	}

	if alloc, ok := m.pool.(*allocator.BitmapAllocator); ok {
		s.FreeUserFrames = alloc.FreeCount(allocator.UserPool)
	}

	m.mu.Lock()
	s.AddressSpaces = len(m.spaces)
	m.mu.Unlock()
	return s
}

// DumpTo outputs the statistics to w.
func (s Stats) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "faults          = %d (rejected %d, stack growths %d)\n", s.Faults, s.FaultsRejected, s.StackGrowths)
	kfmt.Fprintf(w, "claims          = %d\n", s.Claims)
	kfmt.Fprintf(w, "evictions       = %d (clock scans %d, visits %d, max %d)\n", s.Evictions, s.ClockScans, s.ClockVisits, s.MaxClockVisits)
	kfmt.Fprintf(w, "swap in/out     = %d/%d\n", s.SwapIns, s.SwapOuts)
	kfmt.Fprintf(w, "file read/write = %d/%d\n", s.FileReads, s.FileWrites)
	kfmt.Fprintf(w, "forks           = %d, mmaps = %d\n", s.Forks, s.Mmaps)
	kfmt.Fprintf(w, "frames          = %d resident, %d free\n", s.ResidentFrames, s.FreeUserFrames)
	kfmt.Fprintf(w, "swap slots      = %d/%d used\n", s.SwapSlotsUsed, s.SwapSlots)
	kfmt.Fprintf(w, "address spaces  = %d\n", s.AddressSpaces)
}
