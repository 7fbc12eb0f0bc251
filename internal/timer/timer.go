// Package timer drives the ARM generic virtual timer as the kernel's
// preemption clock: a jiffies counter incremented on every tick, a
// software timer list for deferred callbacks, and busy-wait delays.
//
// Grounded on iansmith-mazarin/src/go/mazarin/timer_qemu.go (CNTV_CTL
// enable/mask bits, reprogramming the comparator on every tick,
// registering with the GIC under the virtual timer's PPI ID) and
// iansmith-feelings/src/joy/schedule.go's timerTick (tick-driven
// preemption accounting), generalized to spec.md §4.E's exact
// contract: a monotonic "jiffies" counter rather than a per-process
// decrementing quantum, and an explicit software-timer list rather
// than inline scheduler bookkeeping — the scheduler decision itself
// lives in internal/proc, invoked by whatever drives the IRQ vector
// once it sees the timer's interrupt ID. This package does not
// register itself with the GIC; the boot sequence wires
// gic.RegisterHandler(timer.IRQID, ...) and gic.Enable(timer.IRQID)
// once both packages are initialized, keeping this package's tests
// free of any dependency on MMIO.
package timer

import (
	"vkernel/internal/archasm"
)

// IRQID is the virtual timer's PPI number on a Cortex-A57/GICv2
// system, per timer_qemu.go.
const IRQID = 27

// HZ is the number of ticks per second the comparator is reprogrammed
// for.
const HZ = 100

const (
	ctlEnable = 1 << 0
	ctlIMask  = 1 << 1
)

// Hardware touchpoints, held as function variables so tests can drive
// the tick/delay logic against a fake counter instead of real system
// registers.
var (
	readFreq     = archasm.ReadCNTFRQ
	readCounter  = archasm.ReadCNTPCT
	writeCompare = archasm.WriteCNTVCVal
	writeCtl     = archasm.WriteCNTVCtl
)

var (
	freqHz     uint64
	deltaTicks uint64
	jiffies    uint64
)

// Callback is invoked when a software timer expires.
type Callback func()

type softTimer struct {
	expiresAt uint64
	callback  Callback
	next      *softTimer
}

var timerList *softTimer

// Init reads the counter frequency and arms the comparator to fire
// HZ times a second. The caller is responsible for routing IRQID
// through the GIC to Tick once the interrupt controller is up.
func Init() {
	freqHz = readFreq()
	deltaTicks = freqHz / HZ

	now := readCounter()
	writeCompare(now + deltaTicks)
	writeCtl(ctlEnable)
}

// Jiffies returns the number of ticks since Init.
func Jiffies() uint64 {
	return jiffies
}

// Tick is the timer ISR body: advance jiffies, reprogram the
// comparator for the next tick, and run any software timers that have
// expired. It does not itself invoke the scheduler — the caller
// driving the IRQ vector does that once it sees IRQID acknowledged.
func Tick() {
	jiffies++

	now := readCounter()
	writeCompare(now + deltaTicks)

	runExpired(now)
}

func runExpired(now uint64) {
	var remaining *softTimer
	for curr := timerList; curr != nil; {
		next := curr.next
		if curr.expiresAt <= now {
			curr.callback()
		} else {
			curr.next = remaining
			remaining = curr
		}
		curr = next
	}
	timerList = remaining
}

// After schedules callback to run on (or shortly after) a future tick,
// approximately deltaTicks-granular, once at least usFromNow
// microseconds of counter time have elapsed.
func After(usFromNow uint64, callback Callback) {
	now := readCounter()
	deltaCounts := (usFromNow * freqHz) / 1_000_000
	timerList = &softTimer{
		expiresAt: now + deltaCounts,
		callback:  callback,
		next:      timerList,
	}
}

// DelayUs busy-waits on the counter for approximately us microseconds.
// Only safe where a long stall is acceptable — it blocks whatever
// calls it, preemption or not.
func DelayUs(us uint64) {
	if freqHz == 0 {
		return
	}
	target := readCounter() + (us*freqHz)/1_000_000
	for readCounter() < target {
	}
}

// DelayMs busy-waits for approximately ms milliseconds.
func DelayMs(ms uint64) {
	DelayUs(ms * 1000)
}
