package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/gate"
	"gophervm/kernel/mem"
	"gophervm/kernel/mem/vmm"
	"testing"
)

var errTestInit = &kernel.Error{Module: "test", Message: "initializer failed"}

func TestClaimIsIdempotent(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)

	var calls int
	initFn := func(p *Page, aux interface{}) *kernel.Error {
		calls++
		copy(p.Contents(), aux.([]byte))
		return nil
	}
	if err := m.AllocPage(as, TypeAnon, testVA, true, initFn, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if got := mustRead(t, m, as, testVA, 5); string(got) != "hello" {
			t.Fatalf("expected initializer contents; got %q", got)
		}
	}

	freeFrames := m.Stats().FreeUserFrames
	if err := m.Claim(as, testVA); err != nil {
		t.Fatal(err)
	}
	if !m.TryHandleFault(as, nil, testVA, true, false, true) {
		t.Fatal("expected a fault on a resident page to be handled")
	}

	stats := m.Stats()
	if calls != 1 {
		t.Fatalf("expected the initializer to run once; ran %d times", calls)
	}
	if stats.Claims != 1 || stats.ResidentFrames != 1 || stats.FreeUserFrames != freeFrames {
		t.Fatalf("expected a single frame to be claimed; got %+v", stats)
	}
}

func TestClaimCreatesMissingPage(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)

	if err := m.Claim(as, testVA+0x123); err != nil {
		t.Fatal(err)
	}

	p := as.FindPage(testVA)
	if p == nil || !p.Resident() || !p.Writable() || p.Type() != TypeAnon {
		t.Fatal("expected a resident writable anonymous page")
	}

	if err := m.Claim(as, 0); err != errBadAddress {
		t.Fatalf("expected errBadAddress; got %v", err)
	}
}

func TestInitializerFailure(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)

	initFn := func(*Page, interface{}) *kernel.Error { return errTestInit }
	if err := m.AllocPage(as, TypeAnon, testVA, true, initFn, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Read(as, nil, testVA, make([]byte, 1)); err != ErrSegmentationFault {
		t.Fatalf("expected ErrSegmentationFault; got %v", err)
	}

	p := as.FindPage(testVA)
	if p.Type() != TypeUninit || p.Resident() {
		t.Fatal("expected the page to remain uninitialized")
	}

	stats := m.Stats()
	if stats.ResidentFrames != 0 || stats.FreeUserFrames != 8 {
		t.Fatalf("expected the frame to be released; got %+v", stats)
	}
	if stats.Faults != 1 || stats.FaultsRejected != 1 {
		t.Fatalf("expected the failed claim to count as a rejected fault; got %+v", stats)
	}

	if _, err := as.PDT().Translate(testVA); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the mapping to be removed; got %v", err)
	}
}

func TestStackGrowth(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)

	rsp := vmm.UserStack - uintptr(mem.PageSize)
	regs := &gate.Registers{RSP: uint64(rsp)}

	if err := m.Write(as, regs, rsp-4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("expected a push below the stack pointer to grow the stack; got %v", err)
	}

	p := as.FindPage(rsp - 4)
	if p == nil || p.Address() != pageRoundDown(rsp-4) || !p.Writable() || !p.Resident() || p.Type() != TypeAnon {
		t.Fatal("expected a resident writable anonymous stack page")
	}

	if err := m.Write(as, regs, rsp-100000, []byte{1}); err != ErrSegmentationFault {
		t.Fatalf("expected an access far below the stack pointer to fail; got %v", err)
	}

	if got := m.Stats().StackGrowths; got != 1 {
		t.Fatalf("expected 1 stack growth; got %d", got)
	}
}

func TestStackGrowthFromKernelMode(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)

	rsp := vmm.UserStack - 3*uintptr(mem.PageSize)
	as.SetUserStackPointer(rsp)

	// The registers of a kernel-mode fault hold the kernel stack pointer.
	regs := &gate.Registers{RSP: uint64(vmm.KernelBase + 0x1000)}
	if !m.TryHandleFault(as, regs, rsp-8, false, true, true) {
		t.Fatal("expected the saved user stack pointer to be used")
	}

	as.SetUserStackPointer(StackLimit)
	if m.TryHandleFault(as, nil, StackLimit-8, false, true, true) {
		t.Fatal("expected the stack not to grow past its limit")
	}
}

func TestTryHandleFaultRejects(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)
	allocAnon(t, m, as, pageVA(0))
	if err := m.AllocPage(as, TypeAnon, pageVA(1), false, nil, nil); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr       uintptr
		write      bool
		notPresent bool
	}{
		// null pointer
		{0, false, true},
		// kernel address
		{vmm.KernelBase + 0x1000, false, true},
		// between user space and the kernel direct map
		{1<<39 + 0x1000, false, true},
		// protection violation
		{pageVA(0), true, false},
		// write to a read-only page
		{pageVA(1), true, true},
		// no page and not a stack access
		{pageVA(2), false, true},
	}

	for specIndex, spec := range specs {
		if m.TryHandleFault(as, nil, spec.addr, true, spec.write, spec.notPresent) {
			t.Errorf("[spec %d] expected fault at %#x to be rejected", specIndex, spec.addr)
		}
	}

	if got := m.Stats().FaultsRejected; got != uint64(len(specs)) {
		t.Fatalf("expected %d rejected faults; got %d", len(specs), got)
	}
}

func TestReadOnlyPage(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)
	if err := m.AllocPage(as, TypeAnon, testVA, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Write(as, nil, testVA, []byte{1}); err != ErrSegmentationFault {
		t.Fatalf("expected write to a non-resident read-only page to fail; got %v", err)
	}

	mustRead(t, m, as, testVA, 1)

	if err := m.Write(as, nil, testVA, []byte{1}); err != ErrSegmentationFault {
		t.Fatalf("expected write to a resident read-only page to fail; got %v", err)
	}
}

func TestAccessAcrossPages(t *testing.T) {
	m := setupManager(t, 8, 8)
	as := newAddressSpace(t, m)
	allocAnon(t, m, as, pageVA(0))
	allocAnon(t, m, as, pageVA(1))

	data := []byte("spans two pages")
	va := pageVA(1) - 4
	mustWrite(t, m, as, va, data)

	if got := mustRead(t, m, as, va, len(data)); string(got) != string(data) {
		t.Fatalf("expected %q; got %q", data, got)
	}

	// The access faults on the unmapped page that follows.
	if err := m.Read(as, nil, pageVA(2)-2, make([]byte, 4)); err != ErrSegmentationFault {
		t.Fatalf("expected ErrSegmentationFault; got %v", err)
	}
}
