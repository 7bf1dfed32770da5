package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"
)

// filePage is the variant of pages backed by a file segment. Modified
// contents are written back to the file when the page is evicted or
// destroyed.
type filePage struct {
	seg FileSegment
}

func fileInitializer(p *Page, u *uninitPage, kva uintptr) (pageOps, *kernel.Error) {
	seg, ok := u.aux.(*FileSegment)
	if !ok || seg == nil || seg.File == nil {
		return nil, errBadFileSegment
	}

	f := &filePage{seg: *seg}
	if err := f.swapIn(p, kva); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *filePage) pageType() Type { return TypeFile }

func (f *filePage) swapIn(p *Page, kva uintptr) *kernel.Error {
	buf := kernel.Bytes(kva, uintptr(mem.PageSize))
	if n, _ := f.seg.File.ReadAt(buf[:f.seg.ReadBytes], f.seg.Offset); n != f.seg.ReadBytes {
		return errFileRead
	}

	kernel.Memset(kva+uintptr(f.seg.ReadBytes), 0, uintptr(mem.PageSize)-uintptr(f.seg.ReadBytes))
	p.manager().stats.fileReads.Add(1)
	return nil
}

// swapOut writes the page back to its file if it was modified. The contents
// are read back from the file on the next swap-in.
func (f *filePage) swapOut(p *Page) *kernel.Error {
	pdt := p.owner.pdt
	dirty := f.modified(p)
	if err := pdt.Unmap(p.vpage()); err != nil {
		return err
	}

	if dirty {
		if err := f.writeBack(p); err != nil {
			if mapErr := pdt.Map(p.vpage(), p.frame.pfn, p.mapFlags()|vmm.FlagDirty); mapErr != nil {
				logRemapFailure(p, mapErr)
			}
			return err
		}
	}

	p.manager().frames.unlink(p.frame)
	return nil
}

func (f *filePage) destroy(p *Page) {
	if p.frame != nil && f.modified(p) {
		_ = f.writeBack(p)
	}
	p.unmapAndRelease()
}

// modified reports whether the resident contents of p must be written back.
// Read-only mappings never write to their file.
func (f *filePage) modified(p *Page) bool {
	return p.writable && p.owner.pdt.IsDirty(p.vpage())
}

func (f *filePage) writeBack(p *Page) *kernel.Error {
	if n, _ := f.seg.File.WriteAt(p.frame.Bytes()[:f.seg.ReadBytes], f.seg.Offset); n != f.seg.ReadBytes {
		return errFileWrite
	}

	p.manager().stats.fileWrites.Add(1)
	return nil
}
