package trap

import "testing"

func resetHooks(t *testing.T) {
	t.Helper()
	prevSched, prevSvc, prevKill, prevPanic, prevIRQ := scheduleHook, syscallHook, killHook, panicHook, handleInterrupt
	t.Cleanup(func() {
		scheduleHook, syscallHook, killHook, panicHook, handleInterrupt = prevSched, prevSvc, prevKill, prevPanic, prevIRQ
	})
}

func svcFrame(spsrEL0 bool) *Frame {
	spsr := uint64(0)
	if !spsrEL0 {
		spsr = 0x4 // any EL1-sourced mode value
	}
	return &Frame{SPSR: spsr}
}

func esrFor(ec uint32) uint64 {
	return uint64(ec) << 26
}

func TestHandleSyncDispatchesSVCFromEL0(t *testing.T) {
	resetHooks(t)

	var got *Frame
	SetSyscallHandler(func(f *Frame) { got = f })

	f := svcFrame(true)
	HandleSync(f, esrFor(ECSVC), 0)

	if got != f {
		t.Errorf("syscall handler was not invoked with the faulting frame")
	}
}

func TestHandleSyncSVCFromEL1IsIllegal(t *testing.T) {
	resetHooks(t)

	panicked := false
	SetPanicHandler(func(string) { panicked = true })

	f := svcFrame(false)
	HandleSync(f, esrFor(ECSVC), 0)

	if !panicked {
		t.Errorf("SVC from EL1 did not invoke the panic handler")
	}
}

func TestHandleSyncKillsProcessOnUnhandledFaultFromEL0(t *testing.T) {
	resetHooks(t)

	var killedFrame *Frame
	SetProcessKiller(func(f *Frame, reason string) { killedFrame = f })

	f := svcFrame(true)
	HandleSync(f, esrFor(ECDataAbortEL0), 0x1000)

	if killedFrame != f {
		t.Errorf("process killer was not invoked for a data abort from EL0")
	}
}

func TestHandleSyncPanicsOnFaultFromEL1(t *testing.T) {
	resetHooks(t)

	panicked := false
	SetPanicHandler(func(string) { panicked = true })

	f := svcFrame(false)
	HandleSync(f, esrFor(ECDataAbortELx), 0x2000)

	if !panicked {
		t.Errorf("data abort from EL1 did not invoke the panic handler")
	}
}

func TestHandleIRQInvokesSchedulerOnlyForTimerLine(t *testing.T) {
	resetHooks(t)

	const timerID = 27
	handleInterrupt = func() uint32 { return timerID }

	replacement := &Frame{}
	SetScheduler(func(f *Frame) *Frame { return replacement })

	orig := &Frame{}
	got := HandleIRQ(orig, timerID)

	if got != replacement {
		t.Errorf("HandleIRQ() = %p, want scheduler's replacement frame %p", got, replacement)
	}
}

func TestHandleIRQSkipsSchedulerForOtherLines(t *testing.T) {
	resetHooks(t)

	handleInterrupt = func() uint32 { return 50 }

	called := false
	SetScheduler(func(f *Frame) *Frame { called = true; return f })

	orig := &Frame{}
	got := HandleIRQ(orig, 27)

	if called {
		t.Errorf("scheduler was invoked for a non-timer interrupt line")
	}
	if got != orig {
		t.Errorf("HandleIRQ() = %p, want unchanged original frame %p", got, orig)
	}
}

func TestHandleIRQWithNoSchedulerReturnsOriginalFrame(t *testing.T) {
	resetHooks(t)

	const timerID = 27
	handleInterrupt = func() uint32 { return timerID }

	orig := &Frame{}
	got := HandleIRQ(orig, timerID)

	if got != orig {
		t.Errorf("HandleIRQ() with no scheduler hook = %p, want original %p", got, orig)
	}
}

func TestFromEL0(t *testing.T) {
	if !FromEL0(0) {
		t.Errorf("FromEL0(0) = false, want true")
	}
	if FromEL0(0x4) {
		t.Errorf("FromEL0(0x4) = true, want false")
	}
}

func TestECExtractsBits31to26(t *testing.T) {
	if got := EC(esrFor(ECSVC)); got != ECSVC {
		t.Errorf("EC() = %#x, want %#x", got, ECSVC)
	}
}
