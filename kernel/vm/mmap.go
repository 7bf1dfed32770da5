package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"
)

var (
	errMmapAddr   = &kernel.Error{Module: "vm", Message: "mmap address must be a page-aligned user address"}
	errMmapLength = &kernel.Error{Module: "vm", Message: "mmap length must be positive and stay inside user space"}
	errMmapOffset = &kernel.Error{Module: "vm", Message: "mmap offset must be page-aligned"}
	errMmapFile   = &kernel.Error{Module: "vm", Message: "cannot map an empty file"}
	errNotMapped  = &kernel.Error{Module: "vm", Message: "address is not the start of a file mapping"}
)

// mmapRegion is the extent of a file mapping created by Mmap.
type mmapRegion struct {
	start uintptr
	pages int
}

// Mmap maps length bytes of file starting at offset into as at addr. Pages
// are loaded lazily; bytes past the end of the file read as zero and are
// never written back. It returns addr on success.
func (m *Manager) Mmap(as *AddressSpace, addr uintptr, length int, writable bool, file File, offset int64) (uintptr, *kernel.Error) {
	switch {
	case addr == 0 || addr != pageRoundDown(addr) || !vmm.IsUserAddr(addr):
		return 0, errMmapAddr
	case length <= 0 || !vmm.IsUserAddr(addr+uintptr(length)-1) || addr+uintptr(length) < addr:
		return 0, errMmapLength
	case offset < 0 || offset%int64(mem.PageSize) != 0:
		return 0, errMmapOffset
	case file == nil || file.Size() == 0:
		return 0, errMmapFile
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return 0, errDeadAddressSpace
	}

	region := &mmapRegion{
		start: addr,
		pages: int(mem.Size(length).Pages()),
	}

	for i := 0; i < region.pages; i++ {
		if as.spt.Find(addr+uintptr(i)*uintptr(mem.PageSize)) != nil {
			return 0, ErrAlreadyMapped
		}
	}

	// Bytes read from the file are bounded by both the mapping length and
	// the file size.
	remaining := file.Size() - offset
	if remaining > int64(length) {
		remaining = int64(length)
	}

	for i := 0; i < region.pages; i++ {
		pageOffset := int64(i) * int64(mem.PageSize)
		seg := &FileSegment{
			File:   file,
			Offset: offset + pageOffset,
		}
		if readBytes := remaining - pageOffset; readBytes > 0 {
			seg.ReadBytes = int(min(readBytes, int64(mem.PageSize)))
		}

		p, err := as.allocPage(TypeFile, addr+uintptr(pageOffset), writable, nil, seg)
		if err != nil {
			m.unmapRegion(as, region)
			return 0, err
		}
		p.region = region
	}

	m.stats.mmaps.Add(1)
	return addr, nil
}

// Munmap removes the file mapping that starts at addr. Modified pages are
// written back to the file.
func (m *Manager) Munmap(as *AddressSpace, addr uintptr) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.dead {
		return errDeadAddressSpace
	}

	p := as.spt.Find(addr)
	if p == nil || p.region == nil || p.region.start != addr {
		return errNotMapped
	}

	m.unmapRegion(as, p.region)
	return nil
}

// unmapRegion destroys and removes every page of region. The owner must be
// locked.
func (m *Manager) unmapRegion(as *AddressSpace, region *mmapRegion) {
	for i := 0; i < region.pages; i++ {
		p := as.spt.Find(region.start + uintptr(i)*uintptr(mem.PageSize))
		if p == nil || p.region != region {
			continue
		}

		p.mu.Lock()
		p.ops.destroy(p)
		p.mu.Unlock()
		as.spt.Remove(p)
	}
}
