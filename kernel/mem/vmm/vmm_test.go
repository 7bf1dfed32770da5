package vmm

import (
	"bytes"
	"fmt"
	"gophervm/kernel"
	"gophervm/kernel/cpu"
	"gophervm/kernel/gate"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/pmm"
	"gophervm/kernel/mem/pmm/allocator"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testFrames     = 64
	testUserFrames = 16
)

func setupVMM(t *testing.T) *allocator.BitmapAllocator {
	t.Helper()

	arena, err := pmm.NewArena(testFrames * mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	alloc, err := allocator.NewBitmapAllocator(arena, testUserFrames)
	if err != nil {
		t.Fatal(err)
	}

	allocFn := func() (pmm.Frame, *kernel.Error) {
		return alloc.AllocFrame(allocator.KernelPool)
	}
	if err := Init(arena, allocFn, alloc.FreeFrame); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		cpu.SwitchPDT(0)
		arena.Release()
	})
	return alloc
}

func allocUserFrame(t *testing.T, alloc *allocator.BitmapAllocator) pmm.Frame {
	t.Helper()
	f, err := alloc.AllocFrame(allocator.UserPool)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInitDirectMap(t *testing.T) {
	setupVMM(t)

	if !KernelPDT().IsActive() {
		t.Fatal("expected kernel PDT to be active after Init")
	}

	for _, physAddr := range []uintptr{0, 0x1234, uintptr(testFrames*mem.PageSize) - 1} {
		got, err := KernelPDT().Translate(KernelBase + physAddr)
		if err != nil {
			t.Errorf("unexpected error translating kernel address for 0x%x: %v", physAddr, err)
			continue
		}
		if got != physAddr {
			t.Errorf("expected KernelBase+0x%x to translate to 0x%x; got 0x%x", physAddr, physAddr, got)
		}
	}

	if _, err := KernelPDT().Translate(KernelBase + uintptr(testFrames*mem.PageSize)); err != ErrInvalidMapping {
		t.Errorf("expected address past physical memory to be unmapped; got %v", err)
	}
}

func TestInitError(t *testing.T) {
	arena, err := pmm.NewArena(testFrames * mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer arena.Release()

	expErr := &kernel.Error{Module: "test", Message: "out of frames"}
	allocFn := func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }
	if err := Init(arena, allocFn, nil); err != expErr {
		t.Fatalf("expected error %v; got %v", expErr, err)
	}
}

func TestNewPDT(t *testing.T) {
	setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()

	if pdt.Frame() == KernelPDT().Frame() {
		t.Fatal("expected new PDT to use its own top-level frame")
	}

	if got, err := pdt.Translate(KernelBase + 0x2000); err != nil || got != 0x2000 {
		t.Fatalf("expected new PDT to share the kernel mappings; got 0x%x, %v", got, err)
	}

	if _, err := pdt.Translate(0x400000); err != ErrInvalidMapping {
		t.Fatalf("expected user half of new PDT to be empty; got %v", err)
	}
}

func TestMapUnmapTranslate(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()

	specs := []struct {
		virtAddr uintptr
		flags    PageTableEntryFlag
	}{
		{0x400000, FlagUserAccessible},
		{0x401000, FlagUserAccessible | FlagRW},
		{UserStack - uintptr(mem.PageSize), FlagUserAccessible | FlagRW},
		{0x7fffffff000, FlagUserAccessible},
	}

	for specIndex, spec := range specs {
		frame := allocUserFrame(t, alloc)
		page := PageFromAddress(spec.virtAddr)

		if err := pdt.Map(page, frame, spec.flags); err != nil {
			t.Errorf("[spec %d] unexpected map error: %v", specIndex, err)
			continue
		}

		got, err := pdt.Translate(spec.virtAddr + 0x123)
		if err != nil || got != frame.Address()+0x123 {
			t.Errorf("[spec %d] expected translation to 0x%x; got 0x%x, %v", specIndex, frame.Address()+0x123, got, err)
		}

		if err := pdt.Unmap(page); err != nil {
			t.Errorf("[spec %d] unexpected unmap error: %v", specIndex, err)
		}

		if _, err := pdt.Translate(spec.virtAddr); err != ErrInvalidMapping {
			t.Errorf("[spec %d] expected ErrInvalidMapping after unmap; got %v", specIndex, err)
		}

		if err := pdt.Unmap(page); err != ErrInvalidMapping {
			t.Errorf("[spec %d] expected second unmap to fail with ErrInvalidMapping; got %v", specIndex, err)
		}
	}

	if err := pdt.Unmap(PageFromAddress(0x123456789000)); err != ErrInvalidMapping {
		t.Fatalf("expected unmapping a page without tables to fail; got %v", err)
	}
}

func TestMapInvalidatesTLB(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()
	pdt.Activate()

	var (
		page   = PageFromAddress(0x400000)
		frame1 = allocUserFrame(t, alloc)
		frame2 = allocUserFrame(t, alloc)
	)

	if err := pdt.Map(page, frame1, FlagUserAccessible); err != nil {
		t.Fatal(err)
	}
	if got, _, ok := pdt.Access(page.Address(), false, true); !ok || got != frame1.Address() {
		t.Fatalf("expected access to resolve to frame1; got 0x%x", got)
	}

	// Remapping must not be served from a stale TLB entry
	if err := pdt.Map(page, frame2, FlagUserAccessible); err != nil {
		t.Fatal(err)
	}
	if got, _, ok := pdt.Access(page.Address(), false, true); !ok || got != frame2.Address() {
		t.Fatalf("expected access to resolve to frame2 after remapping; got 0x%x", got)
	}

	if err := pdt.Unmap(page); err != nil {
		t.Fatal(err)
	}
	if _, errCode, ok := pdt.Access(page.Address(), false, true); ok || !errCode.NotPresent() {
		t.Fatalf("expected access after unmap to fault with a not-present error; got ok=%t code=%d", ok, errCode)
	}
}

func TestWalkRollback(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()

	defer func(origAlloc FrameAllocatorFn) { allocFrameFn = origAlloc }(allocFrameFn)

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	for failAt := 1; failAt <= 3; failAt++ {
		t.Run(fmt.Sprint(failAt), func(t *testing.T) {
			freeBefore := alloc.FreeCount(allocator.KernelPool)

			var calls int
			allocFrameFn = func() (pmm.Frame, *kernel.Error) {
				if calls++; calls == failAt {
					return pmm.InvalidFrame, expErr
				}
				return alloc.AllocFrame(allocator.KernelPool)
			}

			if err := pdt.Map(PageFromAddress(0x400000), pmm.Frame(1), FlagUserAccessible); err != expErr {
				t.Fatalf("expected map to fail with %v; got %v", expErr, err)
			}

			if got := alloc.FreeCount(allocator.KernelPool); got != freeBefore {
				t.Fatalf("expected tables created by the failed walk to be released; free frames %d -> %d", freeBefore, got)
			}

			// No directory may remain linked in the top-level table
			if pte := entryAt(pdt.Frame(), 0); pte.HasFlags(FlagPresent) {
				t.Fatal("expected top-level entry to be cleared after rollback")
			}
		})
	}
}

func TestDirtyAndAccessedBits(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()
	pdt.Activate()

	page := PageFromAddress(0x400000)
	if err := pdt.Map(page, allocUserFrame(t, alloc), FlagUserAccessible|FlagRW); err != nil {
		t.Fatal(err)
	}

	if pdt.IsAccessed(page) || pdt.IsDirty(page) {
		t.Fatal("expected fresh mapping to be neither accessed nor dirty")
	}

	if _, _, ok := pdt.Access(page.Address(), false, true); !ok {
		t.Fatal("expected read access to succeed")
	}
	if !pdt.IsAccessed(page) || pdt.IsDirty(page) {
		t.Fatal("expected read to set only the accessed bit")
	}

	// A write served through a clean TLB entry must still set the dirty bit
	if _, _, ok := pdt.Access(page.Address()+8, true, true); !ok {
		t.Fatal("expected write access to succeed")
	}
	if !pdt.IsDirty(page) {
		t.Fatal("expected write to set the dirty bit")
	}

	pdt.SetAccessed(page, false)
	pdt.SetDirty(page, false)
	if pdt.IsAccessed(page) || pdt.IsDirty(page) {
		t.Fatal("expected status bits to be cleared")
	}

	// Clearing the bits drops the cached translation so the next access
	// walks the table again
	if _, _, ok := pdt.Access(page.Address(), true, true); !ok {
		t.Fatal("expected write access to succeed")
	}
	if !pdt.IsAccessed(page) || !pdt.IsDirty(page) {
		t.Fatal("expected access after clearing the bits to set them again")
	}

	pdt.SetDirty(page, true)
	if !pdt.IsDirty(page) {
		t.Fatal("expected SetDirty(true) to set the dirty bit")
	}

	// Status bits of unmapped pages read as clear
	unmapped := PageFromAddress(0x10000000)
	pdt.SetAccessed(unmapped, true)
	if pdt.IsAccessed(unmapped) {
		t.Fatal("expected unmapped page not to report the accessed bit")
	}
}

func TestAccessFaults(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()

	var (
		roPage     = PageFromAddress(0x400000)
		rwPage     = PageFromAddress(0x401000)
		kernelOnly = PageFromAddress(0x402000)
	)
	for page, flags := range map[Page]PageTableEntryFlag{
		roPage:     FlagUserAccessible,
		rwPage:     FlagUserAccessible | FlagRW,
		kernelOnly: FlagRW,
	} {
		if err := pdt.Map(page, allocUserFrame(t, alloc), flags); err != nil {
			t.Fatal(err)
		}
	}

	specs := []struct {
		virtAddr   uintptr
		write      bool
		user       bool
		expOK      bool
		expErrCode gate.PageFaultErrorCode
	}{
		{rwPage.Address(), true, true, true, 0},
		{roPage.Address(), false, true, true, 0},
		{roPage.Address(), true, true, false, gate.PFPresent | gate.PFWrite | gate.PFUser},
		{roPage.Address(), true, false, false, gate.PFPresent | gate.PFWrite},
		{kernelOnly.Address(), false, true, false, gate.PFPresent | gate.PFUser},
		{kernelOnly.Address(), true, false, true, 0},
		{0x500000, false, true, false, gate.PFUser},
		{0x500000, true, true, false, gate.PFWrite | gate.PFUser},
		{0, false, true, false, gate.PFUser},
		{KernelBase, false, true, false, gate.PFPresent | gate.PFUser},
		{KernelBase + 0x10, true, false, true, 0},
	}

	for _, active := range []bool{false, true} {
		if active {
			pdt.Activate()
		}

		for specIndex, spec := range specs {
			_, errCode, ok := pdt.Access(spec.virtAddr, spec.write, spec.user)
			if ok != spec.expOK {
				t.Errorf("[active %t, spec %d] expected ok to be %t; got %t", active, specIndex, spec.expOK, ok)
			}
			if errCode != spec.expErrCode {
				t.Errorf("[active %t, spec %d] expected error code %d; got %d", active, specIndex, spec.expErrCode, errCode)
			}
		}
	}
}

func TestDestroy(t *testing.T) {
	alloc := setupVMM(t)
	freeBefore := alloc.FreeCount(allocator.KernelPool)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}

	for _, virtAddr := range []uintptr{0x400000, 0x40000000, 0x7f00000000} {
		if err := pdt.Map(PageFromAddress(virtAddr), allocUserFrame(t, alloc), FlagUserAccessible); err != nil {
			t.Fatal(err)
		}
	}

	pdt.Activate()
	pdt.Destroy()

	if got := alloc.FreeCount(allocator.KernelPool); got != freeBefore {
		t.Fatalf("expected all table frames to be released; free frames %d -> %d", freeBefore, got)
	}

	if !KernelPDT().IsActive() {
		t.Fatal("expected kernel PDT to be activated when destroying the active PDT")
	}

	// The shared kernel tables must survive
	if _, err := KernelPDT().Translate(KernelBase + 0x1000); err != nil {
		t.Fatalf("expected kernel mappings to survive; got %v", err)
	}
}

func TestDestroyKernelPDT(t *testing.T) {
	setupVMM(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected destroying the kernel PDT to halt; got %v", err)
		}
		if !bytes.Contains(buf.Bytes(), []byte(errDestroyKernelPDT.Message)) {
			t.Fatalf("expected panic output to mention the error; got %q", buf.String())
		}
	}()

	KernelPDT().Destroy()
}

func TestVisit(t *testing.T) {
	alloc := setupVMM(t)

	pdt, err := NewPDT()
	if err != nil {
		t.Fatal(err)
	}
	defer pdt.Destroy()

	exp := []Page{
		PageFromAddress(0x400000),
		PageFromAddress(0x401000),
		PageFromAddress(0x47000000),
		PageFromAddress(0x600000000),
	}
	for _, page := range exp {
		if err := pdt.Map(page, allocUserFrame(t, alloc), FlagUserAccessible); err != nil {
			t.Fatal(err)
		}
	}
	_ = pdt.Unmap(PageFromAddress(0x401000))
	exp = append(exp[:1], exp[2:]...)

	var got []Page
	pdt.Visit(func(page Page, _ pmm.Frame, flags PageTableEntryFlag) bool {
		if IsUserAddr(page.Address()) {
			got = append(got, page)
		}
		return true
	})

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected visited pages (-want +got):\n%s", diff)
	}

	var visits int
	if pdt.Visit(func(Page, pmm.Frame, PageTableEntryFlag) bool {
		visits++
		return false
	}) {
		t.Fatal("expected Visit to report that it was aborted")
	}
	if visits != 1 {
		t.Fatalf("expected visit to stop after the first entry; got %d visits", visits)
	}
}

func TestPageHelpers(t *testing.T) {
	specs := []struct {
		virtAddr  uintptr
		expPage   Page
		expOffset uintptr
		expUser   bool
		expKernel bool
	}{
		{0, 0, 0, false, false},
		{0x400123, 0x400, 0x123, true, false},
		{UserStack - 1, PageFromAddress(UserStack - 1), 0xfff, true, false},
		{userSpaceEnd, PageFromAddress(userSpaceEnd), 0, false, false},
		{KernelBase, PageFromAddress(KernelBase), 0, false, true},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.virtAddr); got != spec.expPage {
			t.Errorf("[spec %d] expected page 0x%x; got 0x%x", specIndex, spec.expPage, got)
		}
		if got := PageOffset(spec.virtAddr); got != spec.expOffset {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, spec.expOffset, got)
		}
		if got := IsUserAddr(spec.virtAddr); got != spec.expUser {
			t.Errorf("[spec %d] expected IsUserAddr to return %t; got %t", specIndex, spec.expUser, got)
		}
		if got := IsKernelAddr(spec.virtAddr); got != spec.expKernel {
			t.Errorf("[spec %d] expected IsKernelAddr to return %t; got %t", specIndex, spec.expKernel, got)
		}
	}
}
