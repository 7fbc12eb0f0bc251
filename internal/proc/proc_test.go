package proc

import (
	"errors"
	"testing"
	"unsafe"

	"vkernel/internal/pmm"
	"vkernel/internal/trap"
	"vkernel/internal/vmm"
)

// fakeRAM hands out frames that are real addresses inside a Go-managed
// byte slice, so vmm's production liveMemory (which casts physical
// addresses straight to pointers) can dereference them safely without
// any linked boot stub or real physical memory.
type fakeRAM struct {
	buf  []byte
	next uintptr
}

func newFakeRAM(frames int) *fakeRAM {
	buf := make([]byte, frames*pmm.FrameSize+pmm.FrameSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + pmm.FrameSize - 1) &^ (pmm.FrameSize - 1)
	return &fakeRAM{buf: buf, next: aligned}
}

func (r *fakeRAM) AllocFrame() (uintptr, error) {
	end := uintptr(unsafe.Pointer(&r.buf[len(r.buf)-1])) + 1
	if r.next+pmm.FrameSize > end {
		return 0, errors.New("fakeRAM: out of frames")
	}
	p := r.next
	r.next += pmm.FrameSize
	return p, nil
}

func withFakeHardware(t *testing.T) *struct {
	ttbr0  uintptr
	tlbi   int
	isbN   int
	userPC uintptr
	userSP uintptr
} {
	t.Helper()
	state := &struct {
		ttbr0  uintptr
		tlbi   int
		isbN   int
		userPC uintptr
		userSP uintptr
	}{}

	prevTTBR0, prevTLBI, prevISB, prevEnter := writeTTBR0, tlbiAll, isb, enterUser
	writeTTBR0 = func(v uintptr) { state.ttbr0 = v }
	tlbiAll = func() { state.tlbi++ }
	isb = func() { state.isbN++ }
	enterUser = func(entry, sp uintptr) { state.userPC, state.userSP = entry, sp }

	t.Cleanup(func() {
		writeTTBR0, tlbiAll, isb, enterUser = prevTTBR0, prevTLBI, prevISB, prevEnter
	})
	return state
}

func newTestTable(t *testing.T) (*Table, *fakeRAM) {
	t.Helper()
	ram := newFakeRAM(64)
	kernel, err := vmm.NewAddressSpace(ram)
	if err != nil {
		t.Fatalf("vmm.NewAddressSpace() error = %v", err)
	}
	return NewTable(kernel, ram), ram
}

func TestCreateAssignsOneBasedStableIDs(t *testing.T) {
	withFakeHardware(t)
	table, _ := newTestTable(t)

	a, err := table.Create("shell")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := table.Create("editor")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if a.ID != 1 || b.ID != 2 {
		t.Errorf("IDs = %d, %d, want 1, 2", a.ID, b.ID)
	}
}

func TestCreateGivesEachProcessItsOwnAddressSpace(t *testing.T) {
	withFakeHardware(t)
	table, _ := newTestTable(t)

	a, _ := table.Create("a")
	b, _ := table.Create("b")

	if a.AddressSpace.RootPhys() == b.AddressSpace.RootPhys() {
		t.Errorf("two processes share one address space root")
	}
}

func TestCreateFrameSitsAtTopOfKernelStack(t *testing.T) {
	withFakeHardware(t)
	table, _ := newTestTable(t)

	p, err := table.Create("a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	frameAddr := uintptr(unsafe.Pointer(p.Frame))
	frameEnd := frameAddr + unsafe.Sizeof(trap.Frame{})
	if frameEnd != p.KernelStackTop {
		t.Errorf("frame end = %#x, want it to reach KernelStackTop %#x", frameEnd, p.KernelStackTop)
	}
}

func TestTableFullAfterMaxProcesses(t *testing.T) {
	withFakeHardware(t)
	table, _ := newTestTable(t)

	for i := 0; i < MaxProcesses; i++ {
		if _, err := table.Create("p"); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}
	if _, err := table.Create("overflow"); err != ErrTableFull {
		t.Errorf("Create() past capacity error = %v, want ErrTableFull", err)
	}
}

func TestScheduleAdvancesRoundRobin(t *testing.T) {
	hw := withFakeHardware(t)
	table, _ := newTestTable(t)

	a, _ := table.Create("a")
	b, _ := table.Create("b")
	table.current = 0

	frameA := &trap.Frame{ELR: 0xAAA}
	got := table.Schedule(frameA)

	if got != b.Frame {
		t.Errorf("Schedule() returned %p, want process b's frame %p", got, b.Frame)
	}
	if a.Frame != frameA {
		t.Errorf("process a's saved frame was not updated to the passed-in frame")
	}
	if a.State != Runnable {
		t.Errorf("process a's state = %v, want Runnable", a.State)
	}
	if b.State != Running {
		t.Errorf("process b's state = %v, want Running", b.State)
	}
	if hw.ttbr0 != b.AddressSpace.RootPhys() {
		t.Errorf("TTBR0 = %#x, want process b's root %#x", hw.ttbr0, b.AddressSpace.RootPhys())
	}
	if hw.tlbi == 0 {
		t.Errorf("Schedule() did not broadcast a TLB invalidate")
	}
}

func TestScheduleWrapsAroundToFirstProcess(t *testing.T) {
	withFakeHardware(t)
	table, _ := newTestTable(t)

	a, _ := table.Create("a")
	b, _ := table.Create("b")
	table.current = 0

	table.Schedule(&trap.Frame{}) // a -> b
	got := table.Schedule(&trap.Frame{})

	if got != a.Frame {
		t.Errorf("Schedule() after wraparound = %p, want process a's frame %p", got, a.Frame)
	}
	_ = b
}

func TestStartFirstTransfersToUserMode(t *testing.T) {
	hw := withFakeHardware(t)
	table, _ := newTestTable(t)

	p, _ := table.Create("init")
	p.EntryPoint = 0x4000_0000
	p.UserSP = 0x5000_0000

	table.StartFirst(p)

	if hw.userPC != p.EntryPoint || hw.userSP != p.UserSP {
		t.Errorf("enterUser(%#x, %#x), want (%#x, %#x)", hw.userPC, hw.userSP, p.EntryPoint, p.UserSP)
	}
	if p.State != Running {
		t.Errorf("process state = %v, want Running", p.State)
	}
	if hw.ttbr0 != p.AddressSpace.RootPhys() {
		t.Errorf("TTBR0 = %#x, want process root %#x", hw.ttbr0, p.AddressSpace.RootPhys())
	}
}

func TestCurrentBeforeAnyProcessErrors(t *testing.T) {
	table, _ := newTestTable(t)
	if _, err := table.Current(); err != ErrNoCurrent {
		t.Errorf("Current() before any Create() error = %v, want ErrNoCurrent", err)
	}
}
