package vmm

import (
	"gophervm/kernel/mem/pmm"
	"strings"
)

// PageTableEntryFlag is a bit in a page table entry.
type PageTableEntryFlag uintptr

var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "P"},
	{FlagRW, "RW"},
	{FlagUserAccessible, "U"},
	{FlagWriteThroughCaching, "PWT"},
	{FlagDoNotCache, "PCD"},
	{FlagAccessed, "A"},
	{FlagDirty, "D"},
	{FlagHugePage, "PS"},
	{FlagGlobal, "G"},
	{FlagCopyOnWrite, "COW"},
	{FlagNoExecute, "NX"},
}

// String lists the set flags separated by '|', e.g. "P|RW|U|D".
func (f PageTableEntryFlag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// pageTableEntry packs a frame address (bits 12-51) and a set of flags.
type pageTableEntry uintptr

// makeEntry builds an entry pointing at frame with the given flags.
func makeEntry(frame pmm.Frame, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry(frame.Address()&ptePhysPageMask | uintptr(flags)&^ptePhysPageMask)
}

// HasFlags reports whether every bit of flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return pte.Flags()&flags == flags
}

// HasAnyFlag reports whether at least one bit of flags is set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return pte.Flags()&flags != 0
}

// SetFlags ors flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = makeEntry(pte.Frame(), pte.Flags()|flags)
}

// ClearFlags removes flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = makeEntry(pte.Frame(), pte.Flags()&^flags)
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the frame the entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame points the entry at frame, keeping its flags.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = makeEntry(frame, pte.Flags())
}
