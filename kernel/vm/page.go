package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// pageOps is implemented by each page variant.
type pageOps interface {
	// swapIn loads the page contents into the frame at kva.
	swapIn(p *Page, kva uintptr) *kernel.Error

	// swapOut moves the page contents out of its frame and unlinks the
	// frame from the page.
	swapOut(p *Page) *kernel.Error

	// destroy releases the resources held by the page.
	destroy(p *Page)

	pageType() Type
}

// Page describes a single page of a user address space.
type Page struct {
	// mu is held while the page is claimed, swapped out, destroyed or its
	// frame contents are accessed.
	mu sync.Mutex

	va       uintptr
	writable bool
	owner    *AddressSpace
	frame    *Frame
	ops      pageOps

	// region is set for pages created by Mmap.
	region *mmapRegion
}

func newPage(owner *AddressSpace, va uintptr, writable bool, ops pageOps) *Page {
	return &Page{
		va:       va,
		writable: writable,
		owner:    owner,
		ops:      ops,
	}
}

// Address returns the page-aligned virtual address of the page.
func (p *Page) Address() uintptr {
	return p.va
}

// Writable returns true if user writes to the page are allowed.
func (p *Page) Writable() bool {
	return p.writable
}

// Type returns the current variant of the page.
func (p *Page) Type() Type {
	return p.ops.pageType()
}

// TargetType returns the variant the page has or will have once it is
// materialized.
func (p *Page) TargetType() Type {
	if u, ok := p.ops.(*uninitPage); ok {
		return u.target
	}
	return p.ops.pageType()
}

// Resident returns true if the page is currently backed by a frame.
func (p *Page) Resident() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame != nil
}

// Contents returns the bytes of the frame backing the page or nil if the page
// is not resident. The returned slice is only valid while the page is locked,
// e.g. inside an Initializer.
func (p *Page) Contents() []byte {
	if p.frame == nil {
		return nil
	}
	return p.frame.Bytes()
}

// become switches the page to a new variant.
func (p *Page) become(ops pageOps) {
	p.ops = ops
}

func (p *Page) vpage() vmm.Page {
	return vmm.PageFromAddress(p.va)
}

func (p *Page) mapFlags() vmm.PageTableEntryFlag {
	flags := vmm.FlagUserAccessible
	if p.writable {
		flags |= vmm.FlagRW
	}
	return flags
}

func (p *Page) manager() *Manager {
	return p.owner.mgr
}

// unmapAndRelease removes the hardware mapping of a resident page and returns
// its frame to the pool.
func (p *Page) unmapAndRelease() {
	if p.frame == nil {
		return
	}

	_ = p.owner.pdt.Unmap(p.vpage())
	m := p.manager()
	f := p.frame
	m.frames.unlink(f)
	m.releaseFrame(f)
}

// logRemapFailure reports a page that could not be mapped again after a
// failed swap-out.
func logRemapFailure(p *Page, err *kernel.Error) {
	kfmt.Log().WithFields(logrus.Fields{
		"va":     hexAddr(p.va),
		"frame":  p.frame.pfn.String(),
		"reason": err.Message,
	}).Error("unable to restore mapping after failed swap-out")
}

// pageRoundDown returns the start of the page containing va.
func pageRoundDown(va uintptr) uintptr {
	return va &^ uintptr(mem.PageSize-1)
}

func hexAddr(va uintptr) string {
	return "0x" + strconv.FormatUint(uint64(va), 16)
}
