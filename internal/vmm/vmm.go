// Package vmm is the virtual memory manager: 4-level, 48-bit AArch64
// page tables, one kernel address space built at boot and one per user
// process.
//
// PTE bit layout and level shifts are grounded on
// iansmith-mazarin/src/mazboot/golang/main/mmu.go's PTE_* constants;
// the MAIR/TCR/SCTLR programming sequence in EnableKernelMMU is
// grounded on that file's enableMMU, adjusted to spec.md §4.B's values
// (two MAIR indices rather than mmu.go's Device==0x00, caches left on
// rather than disabled, 40-bit IPA rather than unset).
package vmm

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
)

// PTE bit layout (ARM64 VMSAv8-64, 4 KiB granule).
const (
	PTEValid = uint64(1) << 0
	PTETable = uint64(1) << 1 // set at every level; distinguishes block/invalid only at L0-L2

	PTEAttrIdxShift = 2
	PTEAttrNormal   = uint64(0) << PTEAttrIdxShift // MAIR index 0
	PTEAttrDevice   = uint64(1) << PTEAttrIdxShift // MAIR index 1

	PTEAPShift  = 6
	PTEAPRWEL1  = uint64(0) << PTEAPShift // RW at EL1, no access at EL0
	PTEAPRWAll  = uint64(1) << PTEAPShift // RW at EL1 and EL0
	PTEAPROEl1  = uint64(2) << PTEAPShift // RO at EL1, no access at EL0
	PTEAPROAll  = uint64(3) << PTEAPShift // RO at EL1 and EL0

	PTESHNone  = uint64(0) << 8
	PTESHOuter = uint64(2) << 8
	PTESHInner = uint64(3) << 8

	PTEAF = uint64(1) << 10 // access flag, must be 1 for hardware-managed AF
	PTENG = uint64(1) << 11 // not-global

	PTEnT  = uint64(1) << 16
	PTEGP  = uint64(1) << 50
	PTEDBM = uint64(1) << 51
	PTECont = uint64(1) << 52
	PTEPXN = uint64(1) << 53 // privileged execute never
	PTEUXN = uint64(1) << 54 // unprivileged execute never

	addrMask = uint64(0x0000_FFFF_FFFF_F000) // bits [47:12]
)

const (
	l0Shift = 39
	l1Shift = 30
	l2Shift = 21
	l3Shift = 12

	entriesPerTable = 512
	indexMask       = entriesPerTable - 1
)

var (
	ErrNotMapped  = errors.New("vmm: address not mapped")
	ErrOutOfFrame = errors.New("vmm: could not allocate a page-table frame")
)

// frameAllocator is the minimal surface vmm needs from a physical frame
// allocator. *pmm.Allocator satisfies it; tests pass a fake that hands
// out offsets into an in-memory buffer instead of real physical RAM.
type frameAllocator interface {
	AllocFrame() (uintptr, error)
}

// memory gives vmm a view of the page tables it builds. liveMemory casts
// physical addresses directly to pointers, valid only because kernel RAM
// is identity-mapped; tests use a buffer-backed fake instead.
type memory interface {
	tableAt(phys uintptr) *[entriesPerTable]uint64
}

type liveMemory struct{}

func (liveMemory) tableAt(phys uintptr) *[entriesPerTable]uint64 {
	return (*[entriesPerTable]uint64)(unsafe.Pointer(phys))
}

// invalidateVA is called after every Unmap; tests override it to avoid
// depending on a linked archasm.TLBIVAE1. dsb/isb follow it, completing
// spec.md's "walk, zero the leaf, broadcast a TLB invalidate by
// virtual address, then barrier and instruction-synchronize" sequence —
// without them, a stale translation can still be observed by later
// instructions on this core.
var (
	invalidateVA = archasm.TLBIVAE1
	dsb          = archasm.Dsb
	isb          = archasm.Isb
)

// AddressSpace is one set of page tables rooted at a level-0 table.
type AddressSpace struct {
	l0    uintptr
	alloc frameAllocator
	mem   memory
}

// NewAddressSpace allocates a fresh, empty level-0 table from alloc.
func NewAddressSpace(alloc frameAllocator) (*AddressSpace, error) {
	return newAddressSpace(alloc, liveMemory{})
}

func newAddressSpace(alloc frameAllocator, mem memory) (*AddressSpace, error) {
	l0, err := alloc.AllocFrame()
	if err != nil {
		return nil, ErrOutOfFrame
	}
	return &AddressSpace{l0: l0, alloc: alloc, mem: mem}, nil
}

// RootPhys is the physical address of the level-0 table, the value TTBR0
// or TTBR1 must be loaded with to activate this address space.
func (as *AddressSpace) RootPhys() uintptr { return as.l0 }

// NewProcessAddressSpace allocates a fresh level-0 table for a new
// process and copies every populated entry from kernel's level-0 table
// into it, per spec.md §4.G ("allocating one frame for its top-level
// translation table (copying the kernel half)"). Since this kernel runs
// a single TTBR0-based address space per process rather than splitting
// kernel/user across TTBR0/TTBR1, the kernel's mappings have to be
// present in every process's own L0 table for kernel code and data to
// stay reachable after a context switch installs that table.
func NewProcessAddressSpace(kernel *AddressSpace, alloc frameAllocator) (*AddressSpace, error) {
	as, err := newAddressSpace(alloc, kernel.mem)
	if err != nil {
		return nil, err
	}
	srcL0 := kernel.mem.tableAt(kernel.l0)
	dstL0 := as.mem.tableAt(as.l0)
	for i, entry := range srcL0 {
		if entry&PTEValid != 0 {
			dstL0[i] = entry
		}
	}
	return as, nil
}

func (as *AddressSpace) nextLevel(tbl *[entriesPerTable]uint64, idx int, create bool) (uintptr, error) {
	entry := tbl[idx]
	if entry&PTEValid != 0 {
		return uintptr(entry & addrMask), nil
	}
	if !create {
		return 0, ErrNotMapped
	}
	phys, err := as.alloc.AllocFrame()
	if err != nil {
		return 0, ErrOutOfFrame
	}
	tbl[idx] = uint64(phys) | PTEValid | PTETable
	return phys, nil
}

func splitVA(va uintptr) (i0, i1, i2, i3 int) {
	v := uint64(va)
	return int((v >> l0Shift) & indexMask),
		int((v >> l1Shift) & indexMask),
		int((v >> l2Shift) & indexMask),
		int((v >> l3Shift) & indexMask)
}

// Map installs a leaf PTE translating va to pa with the given attribute
// bits (PTEAttr*/PTEAP*/PTESH*/PTEUXN/PTEPXN as needed), allocating any
// missing intermediate tables. The access flag is always set, since any
// leaf PTE without it faults on first access (spec.md §3 "Page-table
// entry").
func (as *AddressSpace) Map(va, pa uintptr, attrs uint64) error {
	i0, i1, i2, i3 := splitVA(va)

	l0 := as.mem.tableAt(as.l0)
	l1phys, err := as.nextLevel(l0, i0, true)
	if err != nil {
		return err
	}
	l1 := as.mem.tableAt(l1phys)
	l2phys, err := as.nextLevel(l1, i1, true)
	if err != nil {
		return err
	}
	l2 := as.mem.tableAt(l2phys)
	l3phys, err := as.nextLevel(l2, i2, true)
	if err != nil {
		return err
	}
	l3 := as.mem.tableAt(l3phys)

	l3[i3] = uint64(pa) | PTEValid | PTETable | PTEAF | attrs
	return nil
}

// Unmap clears the leaf PTE for va and invalidates the TLB entry.
// Intermediate tables are left in place even if now empty — reclaiming
// them is out of scope (spec.md §1 non-goal "process reclaim").
func (as *AddressSpace) Unmap(va uintptr) error {
	i0, i1, i2, i3 := splitVA(va)

	l0 := as.mem.tableAt(as.l0)
	l1phys, err := as.nextLevel(l0, i0, false)
	if err != nil {
		return err
	}
	l1 := as.mem.tableAt(l1phys)
	l2phys, err := as.nextLevel(l1, i1, false)
	if err != nil {
		return err
	}
	l2 := as.mem.tableAt(l2phys)
	l3phys, err := as.nextLevel(l2, i2, false)
	if err != nil {
		return err
	}
	l3 := as.mem.tableAt(l3phys)

	if l3[i3]&PTEValid == 0 {
		return ErrNotMapped
	}
	l3[i3] = 0
	invalidateVA(va)
	dsb()
	isb()
	return nil
}

// Translate returns the physical address va currently maps to, or
// ErrNotMapped if no leaf PTE covers it.
func (as *AddressSpace) Translate(va uintptr) (uintptr, error) {
	i0, i1, i2, i3 := splitVA(va)

	l0 := as.mem.tableAt(as.l0)
	l1phys, err := as.nextLevel(l0, i0, false)
	if err != nil {
		return 0, err
	}
	l2phys, err := as.nextLevel(as.mem.tableAt(l1phys), i1, false)
	if err != nil {
		return 0, err
	}
	l3phys, err := as.nextLevel(as.mem.tableAt(l2phys), i2, false)
	if err != nil {
		return 0, err
	}
	entry := as.mem.tableAt(l3phys)[i3]
	if entry&PTEValid == 0 {
		return 0, ErrNotMapped
	}
	return uintptr(entry & addrMask), nil
}

// EnableKernelMMU programs MAIR_EL1/TCR_EL1/TTBR0_EL1 and turns the MMU
// on with instruction and data caches enabled, per spec.md §4.B(iii-vi).
// This is a one-shot boot-time activation with no meaningful unit test —
// it either leaves the hart running with translation on, or it doesn't.
func EnableKernelMMU(kernel *AddressSpace) {
	const (
		mairNormalWB    = 0xFF // MAIR attr 0: normal, inner/outer write-back
		mairDeviceNGNRE = 0x04 // MAIR attr 1: device non-gathering, non-reordering, early ack
	)
	mair := uint64(mairNormalWB) | uint64(mairDeviceNGNRE)<<8
	archasm.WriteMAIR(mair)

	const (
		t0sz       = 16 // 48-bit input address
		irgn0WBWA  = 1
		orgn0WBWA  = 1
		sh0Inner   = 3
		ips40Bit   = 2
	)
	tcr := uint64(t0sz) |
		uint64(irgn0WBWA)<<8 |
		uint64(orgn0WBWA)<<10 |
		uint64(sh0Inner)<<12 |
		uint64(ips40Bit)<<32

	archasm.WriteTCR(tcr)
	archasm.Isb()
	archasm.WriteTTBR0(kernel.RootPhys())
	archasm.Dsb()

	sctlr := archasm.ReadSCTLR()
	sctlr |= 1 << 0 // M: MMU enable
	sctlr |= 1 << 2 // C: data cache enable
	sctlr |= 1 << 12 // I: instruction cache enable

	archasm.Dsb()
	archasm.Isb()
	archasm.WriteSCTLR(sctlr)
	archasm.Isb()
	archasm.TLBIAll()
	archasm.Dsb()
}
