package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/swap"

	"github.com/google/btree"
	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
)

const sptDegree = 16

// SupplementalPageTable maps the virtual pages of an address space to their
// Page descriptors. It is not safe for concurrent use; the owning
// AddressSpace serializes access to it.
type SupplementalPageTable struct {
	owner *AddressSpace
	pages *btree.BTreeG[*Page]
}

func pageLess(a, b *Page) bool {
	return a.va < b.va
}

// Init prepares an empty table for the pages of owner.
func (spt *SupplementalPageTable) Init(owner *AddressSpace) {
	spt.owner = owner
	spt.pages = btree.NewG[*Page](sptDegree, pageLess)
}

// Find returns the page containing va or nil if va is not part of any page.
func (spt *SupplementalPageTable) Find(va uintptr) *Page {
	p, _ := spt.pages.Get(&Page{va: pageRoundDown(va)})
	return p
}

// Insert adds p to the table. It returns ErrAlreadyMapped if another page
// exists at the same address.
func (spt *SupplementalPageTable) Insert(p *Page) *kernel.Error {
	if spt.pages.Has(p) {
		return ErrAlreadyMapped
	}

	spt.pages.ReplaceOrInsert(p)
	return nil
}

// Remove drops p from the table without destroying it.
func (spt *SupplementalPageTable) Remove(p *Page) {
	spt.pages.Delete(p)
}

// Len returns the number of pages in the table.
func (spt *SupplementalPageTable) Len() int {
	return spt.pages.Len()
}

// Pages returns the pages of the table in ascending address order.
func (spt *SupplementalPageTable) Pages() []*Page {
	pages := make([]*Page, 0, spt.pages.Len())
	spt.pages.Ascend(func(p *Page) bool {
		pages = append(pages, p)
		return true
	})
	return pages
}

// Kill destroys every page in the table, releasing their frames and swap
// slots, and empties the table.
func (spt *SupplementalPageTable) Kill() {
	for _, p := range spt.Pages() {
		p.mu.Lock()
		p.ops.destroy(p)
		p.mu.Unlock()
	}
	spt.pages.Clear(false)
}

// Copy populates spt with a copy of every page in src. Uninitialized pages
// are re-created with a copy of their initializer arguments so they load
// independently. Anonymous pages are copied eagerly into new frames. File
// pages map the same file segment and, if resident, receive a copy of the
// source contents.
//
// If any page cannot be copied, the pages already copied are destroyed and
// ErrCopyFailed is returned.
func (spt *SupplementalPageTable) Copy(src *SupplementalPageTable) *kernel.Error {
	var (
		m       = spt.owner.mgr
		regions = make(map[*mmapRegion]*mmapRegion)
	)

	for _, srcPage := range src.Pages() {
		if err := spt.copyPage(m, srcPage, regions); err != nil {
			kfmt.Log().WithFields(logrus.Fields{
				"va":     hexAddr(srcPage.va),
				"reason": err.Message,
			}).Warn("fork copy failed")

			spt.Kill()
			return ErrCopyFailed
		}
	}

	return nil
}

func (spt *SupplementalPageTable) copyPage(m *Manager, src *Page, regions map[*mmapRegion]*mmapRegion) *kernel.Error {
	src.mu.Lock()
	var (
		target   = src.TargetType()
		initFn   Initializer
		aux      interface{}
		contents []byte
		dirty    bool
		err      *kernel.Error
	)

	switch ops := src.ops.(type) {
	case *uninitPage:
		initFn, aux = ops.init, cloneAux(ops.aux)
	case *anonPage:
		contents, err = m.snapshotAnon(src, ops)
	case *filePage:
		aux = ops.seg.CloneAux()
		if src.frame != nil {
			contents = append([]byte(nil), src.frame.Bytes()...)
			dirty = src.owner.pdt.IsDirty(src.vpage())
		}
	}
	src.mu.Unlock()

	if err != nil {
		return err
	}

	dst := newPage(spt.owner, src.va, src.writable, newUninitPage(target, initFn, aux))
	if src.region != nil {
		dst.region = regions[src.region]
		if dst.region == nil {
			dst.region = &mmapRegion{start: src.region.start, pages: src.region.pages}
			regions[src.region] = dst.region
		}
	}

	if err = spt.Insert(dst); err != nil {
		return err
	}

	if contents == nil {
		return nil
	}

	return m.claim(dst, func(buf []byte) { copy(buf, contents) }, dirty)
}

// snapshotAnon returns a copy of the contents of an anonymous page whether it
// is resident or swapped out. The page must be locked.
func (m *Manager) snapshotAnon(p *Page, a *anonPage) ([]byte, *kernel.Error) {
	if p.frame != nil {
		return append([]byte(nil), p.frame.Bytes()...), nil
	}

	if a.slot == swap.NoSlot {
		return make([]byte, mem.PageSize), nil
	}

	buf := make([]byte, mem.PageSize)
	if err := m.readSlot(a.slot, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func cloneAux(aux interface{}) interface{} {
	if aux == nil {
		return nil
	}

	if cloner, ok := aux.(AuxCloner); ok {
		return cloner.CloneAux()
	}
	return deepcopy.Copy(aux)
}
