// Package trap dispatches AArch64 exception entries: decoding the
// exception class out of ESR_EL1, routing IRQs through the GIC and the
// scheduler, and turning unhandled synchronous exceptions into either
// a killed user process or a kernel panic.
//
// Grounded on iansmith-mazarin/src/go/mazarin/exceptions.go for the
// EC_* constant table, the ExceptionInfo shape, and the
// sync/irq/fiq/serror split, generalized to the fixed register-frame
// layout in spec.md §3 and the dispatch contract in spec.md §4.F. The
// teacher's SVC-from-AArch64 exception-class constants do not match
// the architecture (ARM DDI 0487, ESR_EL1.EC): SVC from AArch64 is
// 0x15, not the 0x14 exceptions.go assigns it — spec.md §4.F pins
// 0x15 explicitly, so that value is used here instead of carrying the
// teacher's constant forward.
package trap

import (
	"vkernel/internal/gic"
	"vkernel/internal/klog"
)

// Kind identifies which vector entry point fired.
type Kind int

const (
	Sync Kind = iota
	IRQ
	FIQ
	SError
)

// Exception class values extracted from ESR_EL1 bits [31:26].
const (
	ECUnknown       = 0b000000
	ECTrapWFx       = 0b000001
	ECTrapMSRMRS    = 0b011000
	ECSVC           = 0x15 // SVC instruction execution in AArch64 state
	ECInsnAbortEL0  = 0b100000
	ECInsnAbortELx  = 0b100001
	ECDataAbortEL0  = 0b100100
	ECDataAbortELx  = 0b100101
	ECBreakpointEL0 = 0b110000
	ECBreakpointELx = 0b110001
	ECIllegalExecSt = 0b001110
	ECSError        = 0b101111
)

// Frame is the fixed-layout block the vector stubs save on the kernel
// stack on every exception entry from EL0 or EL1, per spec.md §3: 31
// general registers, the exception link register, the saved
// program-status register, and (when entry was from EL0) the user
// stack pointer.
type Frame struct {
	X     [31]uint64 // x0-x30
	ELR   uint64     // return address
	SPSR  uint64     // saved program status
	SPEL0 uint64     // user stack pointer, valid when SPSR's mode bits name EL0
}

// EC returns the exception class field of esr.
func EC(esr uint64) uint32 {
	return uint32((esr >> 26) & 0x3F)
}

// FromEL0 reports whether spsr names EL0 as the exception's source
// (the M[3:2] field of SPSR_EL1 is 0 for EL0t).
func FromEL0(spsr uint64) bool {
	return spsr&0xC == 0
}

// Hooks wired by the boot sequence once the scheduler and syscall
// dispatcher exist, kept as plain function variables (rather than a
// direct import) so this package has no dependency on internal/proc
// or internal/svc and its own tests can drive dispatch in isolation.
var (
	scheduleHook func(*Frame) *Frame
	syscallHook  func(*Frame)
	killHook     func(*Frame, string)
	panicHook    func(string)
)

// handleInterrupt is a hook over gic.HandleInterrupt so trap_test.go
// can drive HandleIRQ's scheduler-invocation logic without the GIC
// package touching real MMIO.
var handleInterrupt = gic.HandleInterrupt

// SetScheduler installs the function invoked after every timer tick
// to pick the frame execution resumes into.
func SetScheduler(hook func(*Frame) *Frame) { scheduleHook = hook }

// SetSyscallHandler installs the function invoked on SVC from EL0.
func SetSyscallHandler(hook func(*Frame)) { syscallHook = hook }

// SetProcessKiller installs the function invoked to terminate the
// current user process on an unhandled synchronous exception from
// EL0.
func SetProcessKiller(hook func(*Frame, string)) { killHook = hook }

// SetPanicHandler installs the function invoked on an unrecoverable
// kernel-side fault (sync from EL1, or SError). If unset, HandleSync
// and HandleSError fall back to an unrecoverable spin.
func SetPanicHandler(hook func(string)) { panicHook = hook }

func panicOrSpin(msg string) {
	klog.Errorf("trap: %s", msg)
	if panicHook != nil {
		panicHook(msg)
		return
	}
	for {
	}
}

// HandleSync dispatches a synchronous exception. esr and far are the
// syndrome and fault-address registers read by the vector stub before
// entering Go code.
func HandleSync(frame *Frame, esr, far uint64) {
	ec := EC(esr)
	fromEL0 := FromEL0(frame.SPSR)

	if ec == ECSVC && fromEL0 {
		if syscallHook != nil {
			syscallHook(frame)
		} else {
			klog.Warnf("trap: SVC from EL0 with no syscall handler installed")
		}
		return
	}
	if ec == ECSVC && !fromEL0 {
		panicOrSpin("SVC from EL1 is illegal")
		return
	}

	if fromEL0 {
		msg := faultMessage(ec, esr, far, frame.ELR)
		klog.Errorf("trap: %s", msg)
		if killHook != nil {
			killHook(frame, msg)
		}
		return
	}

	panicOrSpin(faultMessage(ec, esr, far, frame.ELR))
}

func faultMessage(ec uint32, esr, far, elr uint64) string {
	switch ec {
	case ECDataAbortEL0, ECDataAbortELx:
		return "data abort"
	case ECInsnAbortEL0, ECInsnAbortELx:
		return "instruction abort"
	case ECIllegalExecSt:
		return "illegal execution state"
	case ECUnknown:
		return "unknown exception"
	default:
		return "unhandled exception class"
	}
}

// HandleIRQ acknowledges and dispatches the pending interrupt through
// the GIC, then — if the acknowledged line was the timer's — invokes
// the scheduler, returning the frame execution should resume into.
// Nested IRQs are never taken: the caller is expected to keep
// interrupts masked for the duration of this call.
func HandleIRQ(frame *Frame, timerIRQID uint32) *Frame {
	id := handleInterrupt()
	if id != timerIRQID {
		return frame
	}
	if scheduleHook == nil {
		return frame
	}
	return scheduleHook(frame)
}

// HandleFIQ handles a fast interrupt request. This kernel core never
// configures any line as an FIQ, so a firing FIQ indicates a
// misconfigured GIC grouping.
func HandleFIQ(frame *Frame) {
	klog.Warnf("trap: unexpected FIQ at elr=%#x", frame.ELR)
}

// HandleSError handles a system error — always fatal.
func HandleSError(frame *Frame, esr uint64) {
	panicOrSpin("SError")
}
