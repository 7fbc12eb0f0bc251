// Package gic drives the GICv2 distributor and CPU interface: enable
// line, set target/priority, acknowledge, end-of-interrupt, and a
// handler table dispatched by HandleInterrupt.
//
// Grounded on iansmith-mazarin/src/go/mazarin/gic_qemu.go. The
// init sequence (disable, clear pending, route to Group 0, priority
// 0x80, level-triggered, enable) carries over unchanged; the teacher's
// interleaved UART tracing and the one-off checkSecurityState probe (a
// debugging aid for a specific bring-up session, not part of the
// steady-state driver) are dropped.
package gic

import (
	"vkernel/internal/archasm"
	"vkernel/internal/bootcfg"
	"vkernel/internal/klog"
)

const (
	distBase = bootcfg.GICDistributorBase
	cpuBase  = bootcfg.GICCPUInterfaceBase

	gicdCTLR        = distBase + 0x000
	gicdIGROUPRn    = distBase + 0x080
	gicdISENABLERn  = distBase + 0x100
	gicdICENABLERn  = distBase + 0x180
	gicdICPENDRn    = distBase + 0x280
	gicdIPRIORITYRn = distBase + 0x400
	gicdITARGETSRn  = distBase + 0x800
	gicdICFGRn      = distBase + 0xC00
	gicdSGIR        = distBase + 0xF00

	gicdTYPER = distBase + 0x004

	giccCTLR = cpuBase + 0x000
	giccPMR  = cpuBase + 0x004
	giccBPR  = cpuBase + 0x008
	giccIAR  = cpuBase + 0x00C
	giccEOIR = cpuBase + 0x010
)

// MaxInterrupts bounds both GICv2's ID space and the handler table.
const MaxInterrupts = 1020

// Spurious is the interrupt ID the CPU interface returns from IAR when
// no interrupt is actually pending.
const Spurious = 1023

// Handler is called with the id as HandleInterrupt dispatches it.
type Handler func(id uint32)

var handlers [MaxInterrupts]Handler

// Hardware touchpoints held as function variables so tests can exercise
// register sequencing against a fake MMIO space.
var (
	mmioWrite = archasm.MMIOWrite32
	mmioRead  = archasm.MMIORead32
)

// Init brings the distributor and CPU interface up: disable, size every
// loop off GICD_TYPER's line count, mask all lines, clear all pending
// bits, route Group 0 only (the only grouping QEMU virt's GICv2 model
// honors reliably) at priority 0x80, level-triggered, to CPU 0, then
// re-enable. Masking every line explicitly before re-enabling the
// distributor matters because GICD_CTLR's global enable bit does not
// reset each line's own enable state — a line left enabled by firmware
// or a prior boot stage would otherwise go live again the moment CTLR
// is set, before any handler is registered.
func Init() {
	mmioWrite(gicdCTLR, 0)
	mmioWrite(giccCTLR, 0)

	lineCount := gicLineCount()
	wordRegs := (lineCount + 31) / 32 // ICENABLER/ICPENDR/IGROUP: 32 lines/register
	byteRegs := (lineCount + 3) / 4   // IPRIORITY/ITARGETS: 4 lines/register
	cfgRegs := (lineCount + 15) / 16  // ICFGR: 16 lines/register

	for i := 0; i < wordRegs; i++ {
		mmioWrite(gicdICENABLERn+uintptr(i*4), 0xFFFFFFFF)
	}

	mmioWrite(giccPMR, 0xFF)
	mmioWrite(giccBPR, 0)

	for i := 0; i < wordRegs; i++ {
		mmioWrite(gicdICPENDRn+uintptr(i*4), 0xFFFFFFFF)
		mmioWrite(gicdIGROUPRn+uintptr(i*4), 0)
	}
	for i := 0; i < byteRegs; i++ {
		mmioWrite(gicdIPRIORITYRn+uintptr(i*4), 0x80808080)
		mmioWrite(gicdITARGETSRn+uintptr(i*4), 0x01010101)
	}
	for i := 0; i < cfgRegs; i++ {
		mmioWrite(gicdICFGRn+uintptr(i*4), 0)
	}

	mmioWrite(gicdCTLR, 0x01)
	mmioWrite(giccCTLR, 0x01)
}

// gicLineCount reads GICD_TYPER's ITLinesNumber field (bits [4:0]) and
// derives the number of implemented interrupt IDs (SGIs, PPIs and SPIs
// together), capped at MaxInterrupts.
func gicLineCount() int {
	typer := mmioRead(gicdTYPER)
	n := (int(typer&0x1F) + 1) * 32
	if n > MaxInterrupts {
		n = MaxInterrupts
	}
	return n
}

// Enable unmasks irqID at the distributor.
func Enable(irqID uint32) {
	if irqID >= MaxInterrupts {
		return
	}
	regIndex, bitIndex := irqID/32, irqID%32
	mmioWrite(gicdISENABLERn+uintptr(regIndex*4), 1<<bitIndex)
}

// Disable masks irqID at the distributor.
func Disable(irqID uint32) {
	if irqID >= MaxInterrupts {
		return
	}
	regIndex, bitIndex := irqID/32, irqID%32
	mmioWrite(gicdICENABLERn+uintptr(regIndex*4), 1<<bitIndex)
}

// SetPriority programs irqID's priority byte (lower value, higher
// priority).
func SetPriority(irqID uint32, priority byte) {
	if irqID >= MaxInterrupts {
		return
	}
	reg := gicdIPRIORITYRn + uintptr(irqID&^3)
	shift := (irqID % 4) * 8
	cur := mmioRead(reg)
	cur &^= 0xFF << shift
	cur |= uint32(priority) << shift
	mmioWrite(reg, cur)
}

// SetTarget programs irqID's target CPU bitmask (bit 0 = CPU 0).
func SetTarget(irqID uint32, cpuMask byte) {
	if irqID >= MaxInterrupts {
		return
	}
	reg := gicdITARGETSRn + uintptr(irqID&^3)
	shift := (irqID % 4) * 8
	cur := mmioRead(reg)
	cur &^= 0xFF << shift
	cur |= uint32(cpuMask) << shift
	mmioWrite(reg, cur)
}

// Acknowledge reads the CPU interface's IAR, returning the pending
// interrupt ID or Spurious if none is pending.
func Acknowledge() uint32 {
	return mmioRead(giccIAR) & 0x3FF
}

// EndOfInterrupt signals completion of irqID's handling.
func EndOfInterrupt(irqID uint32) {
	mmioWrite(giccEOIR, irqID)
}

// SendSoftwareInterrupt raises irqID (an SGI, ID < 16) on the CPUs named
// by targetList (bit 0 = CPU 0).
func SendSoftwareInterrupt(irqID uint32, targetList byte) {
	const targetListShift = 16
	mmioWrite(gicdSGIR, uint32(targetList)<<targetListShift|irqID)
}

// RegisterHandler installs handler for irqID, replacing any previous
// handler.
func RegisterHandler(irqID uint32, handler Handler) {
	if irqID >= MaxInterrupts {
		return
	}
	handlers[irqID] = handler
}

// HandleInterrupt acknowledges the pending interrupt, dispatches its
// registered handler (logging at Warn level if none is registered), and
// signals end-of-interrupt. Spurious interrupts are ignored with no
// EOI, per the GICv2 architecture. It returns the acknowledged ID
// (Spurious if none was pending) so a caller driving the exception
// vector can take ID-specific action, such as invoking the scheduler
// after a timer tick.
func HandleInterrupt() uint32 {
	id := Acknowledge()
	if id >= MaxInterrupts {
		return id
	}
	if h := handlers[id]; h != nil {
		h(id)
	} else {
		klog.Warnf("gic: unhandled interrupt %d", id)
	}
	EndOfInterrupt(id)
	return id
}
