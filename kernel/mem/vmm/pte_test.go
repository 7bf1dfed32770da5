package vmm

import (
	"gophervm/kernel/mem/pmm"
	"testing"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 62)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	if got := pte.Flags(); got != flag2 {
		t.Fatalf("expected Flags() to return 0x%x; got 0x%x", flag2, got)
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = pmm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW | FlagNoExecute)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if !pte.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
		t.Fatal("expected SetFrame to preserve the entry flags")
	}
}

func TestPageTableEntryFlagString(t *testing.T) {
	specs := []struct {
		flags PageTableEntryFlag
		exp   string
	}{
		{0, "-"},
		{FlagPresent | FlagRW | FlagUserAccessible, "P|RW|U"},
		{FlagPresent | FlagAccessed | FlagDirty | FlagNoExecute, "P|A|D|NX"},
		{FlagCopyOnWrite, "COW"},
	}

	for specIndex, spec := range specs {
		if got := spec.flags.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestMakeEntry(t *testing.T) {
	pte := makeEntry(pmm.Frame(0x1a), FlagPresent|FlagDirty)

	if got := pte.Frame(); got != pmm.Frame(0x1a) {
		t.Errorf("expected entry to point to frame 0x1a; got %v", got)
	}

	if got := pte.Flags(); got != FlagPresent|FlagDirty {
		t.Errorf("expected entry flags %s; got %s", FlagPresent|FlagDirty, got)
	}
}
