// Package archasm declares the handful of primitives that must be written
// in assembly: MMIO accessors, barriers, system-register read/write, and
// the EL0 entry/exit trampoline. Their bodies live in the boot stub, which
// is outside this module's scope (see spec.md §1) — linked in at image
// build time the same way iansmith-mazarin/src/go/mazarin/kernel.go pulls
// in mmio_write/mmio_read/dsb/bzero/qemu_exit via go:linkname.
package archasm

import "unsafe" // required for go:linkname and unsafe.Pointer parameters

//go:linkname MMIOWrite32 mmio_write32
//go:nosplit
func MMIOWrite32(addr uintptr, val uint32)

//go:linkname MMIORead32 mmio_read32
//go:nosplit
func MMIORead32(addr uintptr) uint32

//go:linkname MMIOWrite64 mmio_write64
//go:nosplit
func MMIOWrite64(addr uintptr, val uint64)

//go:linkname MMIORead64 mmio_read64
//go:nosplit
func MMIORead64(addr uintptr) uint64

// Dsb issues a full data memory barrier (DSB SY).
//
//go:linkname Dsb dsb
//go:nosplit
func Dsb()

// Dmb issues a full data memory barrier (DMB SY), weaker ordering than Dsb.
//
//go:linkname Dmb dmb
//go:nosplit
func Dmb()

// Isb issues an instruction synchronization barrier.
//
//go:linkname Isb isb
//go:nosplit
func Isb()

// TLBIVAE1 invalidates one TLB entry for va at EL1 and broadcasts it
// (TLBI VAE1IS).
//
//go:linkname TLBIVAE1 tlbi_vae1is
//go:nosplit
func TLBIVAE1(va uintptr)

// TLBIAll invalidates the entire TLB for the current ASID and broadcasts
// it (TLBI VMALLE1IS).
//
//go:linkname TLBIAll tlbi_vmalle1is
//go:nosplit
func TLBIAll()

// WriteTTBR0 installs top as the translation table base for EL0/EL1
// lower-half translations.
//
//go:linkname WriteTTBR0 write_ttbr0_el1
//go:nosplit
func WriteTTBR0(top uintptr)

// WriteTTBR1 installs top as the translation table base for upper-half
// translations. Nothing in this kernel calls it: vmm.EnableKernelMMU
// installs the identity map through WriteTTBR0.
//
//go:linkname WriteTTBR1 write_ttbr1_el1
//go:nosplit
func WriteTTBR1(top uintptr)

// WriteMAIR programs the memory attribute indirection register.
//
//go:linkname WriteMAIR write_mair_el1
//go:nosplit
func WriteMAIR(val uint64)

// WriteTCR programs the translation control register.
//
//go:linkname WriteTCR write_tcr_el1
//go:nosplit
func WriteTCR(val uint64)

// WriteSCTLR programs the system control register (enables the MMU among
// other things); callers must bracket this with Isb per spec.md §4.B(vi).
//
//go:linkname WriteSCTLR write_sctlr_el1
//go:nosplit
func WriteSCTLR(val uint64)

// ReadSCTLR reads back the system control register.
//
//go:linkname ReadSCTLR read_sctlr_el1
//go:nosplit
func ReadSCTLR() uint64

// DisableIRQs masks IRQ and FIQ (sets DAIF.I and DAIF.F).
//
//go:linkname DisableIRQs disable_irqs
//go:nosplit
func DisableIRQs()

// EnableIRQs unmasks IRQ and FIQ.
//
//go:linkname EnableIRQs enable_irqs
//go:nosplit
func EnableIRQs()

// ReadDAIF returns the current interrupt mask bits, for save/restore around
// a critical section (spec.md §9 "interrupt-disable sections as mutex").
//
//go:linkname ReadDAIF read_daif
//go:nosplit
func ReadDAIF() uint64

// WriteDAIF restores interrupt mask bits previously returned by ReadDAIF.
//
//go:linkname WriteDAIF write_daif
//go:nosplit
func WriteDAIF(val uint64)

// ReadCNTPCT reads the physical counter (used for jiffies/delay math).
//
//go:linkname ReadCNTPCT read_cntpct_el0
//go:nosplit
func ReadCNTPCT() uint64

// ReadCNTFRQ reads the counter frequency in Hz.
//
//go:linkname ReadCNTFRQ read_cntfrq_el0
//go:nosplit
func ReadCNTFRQ() uint64

// WriteCNTVCVal programs the virtual timer compare value.
//
//go:linkname WriteCNTVCVal write_cntv_cval_el0
//go:nosplit
func WriteCNTVCVal(val uint64)

// WriteCNTVCtl enables/disables the virtual timer (bit 0 enable, bit 1 mask).
//
//go:linkname WriteCNTVCtl write_cntv_ctl_el0
//go:nosplit
func WriteCNTVCtl(val uint64)

// Bzero zeroes n bytes starting at ptr. Used by every allocator before
// handing memory back to a caller (spec.md §4.A "every allocation zeroes").
//
//go:linkname Bzero bzero
//go:nosplit
func Bzero(ptr unsafe.Pointer, n uintptr)

// CleanDCacheLine cleans one 64-byte data-cache line to the point of
// unification, starting at addr (spec.md §4.H instruction-cache coherence
// step after writing an executable segment).
//
//go:linkname CleanDCacheLine clean_dcache_line
//go:nosplit
func CleanDCacheLine(addr uintptr)

// InvalidateICacheAll invalidates the entire instruction cache and issues
// an Isb, making newly written code visible to fetch.
//
//go:linkname InvalidateICacheAll invalidate_icache_all
//go:nosplit
func InvalidateICacheAll()

// EnterUser transfers control to EL0 at entry with stack sp, never
// returning to the caller — it performs the ERET that the scheduler's
// "start first process" path needs (spec.md §4.G).
//
//go:linkname EnterUser enter_user
//go:nosplit
func EnterUser(entry, sp uintptr)

// WaitForEvent parks the hart until the next interrupt (WFE), used by the
// blocking read syscall and the kernel idle loop.
//
//go:linkname WaitForEvent wait_for_event
//go:nosplit
func WaitForEvent()
