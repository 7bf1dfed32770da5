package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/mem/pmm/allocator"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// yieldFn is mocked by tests.
	yieldFn = runtime.Gosched
)

// Frame is a physical frame backing a resident page.
type Frame struct {
	pfn pmm.Frame
	kva uintptr

	// page is the page currently stored in the frame.
	page *Page

	// pinned frames are excluded from victim selection.
	pinned bool
}

// KernelAddr returns the kernel virtual address of the frame contents.
func (f *Frame) KernelAddr() uintptr {
	return f.kva
}

// Bytes returns the frame contents.
func (f *Frame) Bytes() []byte {
	return kernel.Bytes(f.kva, uintptr(mem.PageSize))
}

// frameTable tracks every frame handed out from the user pool in insertion
// order. The clock hand persists across evictions.
type frameTable struct {
	mu     sync.Mutex
	frames []*Frame
	hand   int
}

func (ft *frameTable) add(f *Frame) {
	ft.mu.Lock()
	ft.frames = append(ft.frames, f)
	ft.mu.Unlock()
}

// remove drops f from the table keeping the hand on the same successor.
func (ft *frameTable) remove(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for index, cur := range ft.frames {
		if cur != f {
			continue
		}

		ft.frames = append(ft.frames[:index], ft.frames[index+1:]...)
		if index < ft.hand {
			ft.hand--
		}
		if ft.hand >= len(ft.frames) {
			ft.hand = 0
		}
		return
	}
}

func (ft *frameTable) link(f *Frame, p *Page) {
	ft.mu.Lock()
	f.page = p
	p.frame = f
	ft.mu.Unlock()
}

func (ft *frameTable) unlink(f *Frame) {
	ft.mu.Lock()
	if f.page != nil {
		f.page.frame = nil
		f.page = nil
	}
	ft.mu.Unlock()
}

func (ft *frameTable) unpin(f *Frame) {
	ft.mu.Lock()
	f.pinned = false
	ft.mu.Unlock()
}

func (ft *frameTable) len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

// selectVictim advances the clock hand until it finds a frame whose page has
// not been accessed since the hand last passed it. Frames passed over get
// their accessed bit cleared. Pinned frames and frames whose page is locked
// are skipped, so the scan gives up after two full passes.
//
// On success the victim frame is pinned and its page is returned locked.
func (ft *frameTable) selectVictim() (*Frame, *Page, int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	count := len(ft.frames)
	for visits := 1; visits <= 2*count; visits++ {
		f := ft.frames[ft.hand]
		ft.hand = (ft.hand + 1) % count

		p := f.page
		if f.pinned || p == nil || !p.mu.TryLock() {
			continue
		}

		pdt := p.owner.pdt
		if pdt.IsAccessed(p.vpage()) {
			pdt.SetAccessed(p.vpage(), false)
			p.mu.Unlock()
			continue
		}

		f.pinned = true
		return f, p, visits
	}

	return nil, nil, 2 * count
}

// releaseFrame removes f from the frame table and returns it to the pool.
func (m *Manager) releaseFrame(f *Frame) {
	m.frames.remove(f)
	_ = m.pool.FreeFrame(f.pfn)
}

// getFrame returns a pinned, zero-filled frame that is not linked to any
// page. If the user pool is exhausted a resident page is evicted.
func (m *Manager) getFrame() *Frame {
	for {
		pfn, err := m.pool.AllocFrame(allocator.UserPool)
		if err == nil {
			f := &Frame{
				pfn:    pfn,
				kva:    m.arena.KernelAddr(pfn.Address()),
				pinned: true,
			}
			m.frames.add(f)
			return f
		}

		if f := m.evictFrame(); f != nil {
			kernel.Memset(f.kva, 0, uintptr(mem.PageSize))
			return f
		}

		// Every frame is busy; wait for a claim or eviction in
		// progress to complete.
		yieldFn()
	}
}

// evictFrame swaps out the page selected by the clock policy and returns its
// frame pinned and unlinked. It returns nil if no frame could be selected.
// Failing to swap out the victim is fatal.
func (m *Manager) evictFrame() *Frame {
	f, p, visits := m.frames.selectVictim()
	m.stats.recordClockScan(visits)
	if f == nil {
		return nil
	}
	defer p.mu.Unlock()

	if err := p.ops.swapOut(p); err != nil {
		kfmt.Panic(err)
		return nil
	}

	m.stats.evictions.Add(1)
	kfmt.Log().WithFields(logrus.Fields{
		"va":     hexAddr(p.va),
		"frame":  f.pfn.String(),
		"type":   p.Type().String(),
		"visits": visits,
	}).Debug("evicted page")
	return f
}
