// Package pmm is the physical frame allocator: two zones, each backed by
// its own bitmap and IRQ-masking spin lock, handing out 4096-byte frames
// zeroed before the caller sees them.
//
// It replaces the teacher's linked free list
// (iansmith-mazarin/src/mazboot/golang/main/page.go's freePages chain)
// with the bitmap idiom from
// iansmith-feelings/src/lib/upbeat/bitset.go, per spec.md §3's explicit
// "allocator's bitmap bit is set iff the frame is not on the free pool"
// invariant — a linked list has no such bit to point at.
package pmm

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/bitfield"
	"vkernel/internal/klog"
)

// FrameSize is the size in bytes of one physical frame (spec.md §3
// "Physical frame").
const FrameSize = 4096

// dmaZoneBytes is the size of the low, DMA-eligible zone: the first
// 16 MiB above RAM base (spec.md §3 "Zone").
const dmaZoneBytes = 16 * 1024 * 1024

var (
	ErrOutOfMemory  = errors.New("pmm: out of memory")
	ErrNotAllocated = errors.New("pmm: frame is not allocated")
	ErrBadAlignment = errors.New("pmm: alignment must be a power of two")
)

// The four hardware touchpoints this package needs are held in function
// variables rather than called directly, so tests can run the bitmap and
// refcounting logic without the archasm primitives actually being linked
// in (they have no body outside a real kernel image).
var (
	disableIRQs = archasm.DisableIRQs
	readDAIF    = archasm.ReadDAIF
	writeDAIF   = archasm.WriteDAIF
	bzero       = archasm.Bzero
)

// FrameFlags is the per-frame flag word (spec.md §3 "Physical frame":
// reserved, kernel-owned, user-owned, dirty, locked).
type FrameFlags struct {
	Reserved    bool   `bitfield:",1"`
	KernelOwned bool   `bitfield:",1"`
	UserOwned   bool   `bitfield:",1"`
	Dirty       bool   `bitfield:",1"`
	Locked      bool   `bitfield:",1"`
	pad         uint32 `bitfield:",27"`
}

var frameFlagsConfig = &bitfield.Config{NumBits: 32}

func packFrameFlags(f FrameFlags) uint32 {
	packed, err := bitfield.Pack(f, frameFlagsConfig)
	if err != nil {
		// Only unreachable inputs (a negative signed field, none of
		// which FrameFlags has) make Pack fail.
		panic(err)
	}
	return uint32(packed)
}

func unpackFrameFlags(packed uint32) FrameFlags {
	var f FrameFlags
	_ = bitfield.Unpack(uint64(packed), &f, frameFlagsConfig)
	return f
}

// Descriptor is the per-frame metadata entry (spec.md §3 "Physical
// frame": flags plus reference count).
type Descriptor struct {
	flags    uint32
	refCount uint32
}

// Flags returns the descriptor's current flag set.
func (d *Descriptor) Flags() FrameFlags { return unpackFrameFlags(d.flags) }

// RefCount returns the descriptor's current reference count.
func (d *Descriptor) RefCount() uint32 { return d.refCount }

type zoneKind int

const (
	zoneDMA zoneKind = iota
	zoneNormal
)

type zone struct {
	kind        zoneKind
	baseFrame   uint32 // index of this zone's frame 0, in the global descriptor array
	frameCount  uint32
	bits        *bitmap
	daifSaved   uint64
	lockedCount int // reentrancy guard; always 0 or 1 on a single hart
}

func (z *zone) lock() {
	saved := readDAIF()
	disableIRQs()
	z.daifSaved = saved
	z.lockedCount++
}

func (z *zone) unlock() {
	z.lockedCount--
	writeDAIF(z.daifSaved)
}

// Allocator owns both zones and the flat descriptor array spanning all
// physical frames from ramBase to ramBase+totalBytes.
type Allocator struct {
	ramBase     uintptr
	descriptors []Descriptor
	dma         *zone
	normal      *zone
}

// New builds an Allocator over the frames in [ramBase, ramBase+totalBytes).
// reservedFrames is the count of frames at the start of the range
// (kernel image, early identity-mapped MMIO backing) that must never
// enter the free pool (spec.md §3 "reserved frames ... must never enter
// the free pool").
func New(ramBase uintptr, totalBytes uint64, reservedFrames uint32) *Allocator {
	totalFrames := uint32(totalBytes / FrameSize)

	dmaFrames := uint32(dmaZoneBytes / FrameSize)
	if dmaFrames > totalFrames {
		dmaFrames = totalFrames
	}
	normalFrames := totalFrames - dmaFrames

	a := &Allocator{
		ramBase:     ramBase,
		descriptors: make([]Descriptor, totalFrames),
		dma: &zone{
			kind:       zoneDMA,
			baseFrame:  0,
			frameCount: dmaFrames,
			bits:       newBitmap(dmaFrames),
		},
		normal: &zone{
			kind:       zoneNormal,
			baseFrame:  dmaFrames,
			frameCount: normalFrames,
			bits:       newBitmap(normalFrames),
		},
	}

	for i := uint32(0); i < reservedFrames && i < totalFrames; i++ {
		a.descriptors[i].flags = packFrameFlags(FrameFlags{Reserved: true, KernelOwned: true})
		a.markZoneBit(i, true)
	}
	return a
}

func (a *Allocator) zoneFor(globalIndex uint32) (*zone, uint32) {
	if globalIndex < a.dma.frameCount {
		return a.dma, globalIndex
	}
	return a.normal, globalIndex - a.normal.baseFrame
}

func (a *Allocator) markZoneBit(globalIndex uint32, set bool) {
	z, local := a.zoneFor(globalIndex)
	if set {
		z.bits.set(local)
	} else {
		z.bits.clear(local)
	}
}

// AllocFrame allocates one frame, preferring the normal zone and
// falling back to the DMA zone when the normal zone is exhausted
// (spec.md §3 "Allocation prefers normal ... single-frame requests
// fall back to DMA zone").
func (a *Allocator) AllocFrame() (uintptr, error) {
	if p, err := a.allocInZone(a.normal, 1, 1); err == nil {
		return p, nil
	}
	return a.allocInZone(a.dma, 1, 1)
}

// AllocFrames allocates n contiguous frames. Contiguous requests search
// only the normal zone (spec.md §3 "contiguous requests search only the
// normal zone").
func (a *Allocator) AllocFrames(n uint32) (uintptr, error) {
	if n == 0 {
		return 0, ErrOutOfMemory
	}
	return a.allocInZone(a.normal, n, 1)
}

// AllocAligned allocates a contiguous run of frames covering size bytes,
// with the returned address aligned to align bytes. align must be a
// power of two multiple of FrameSize.
func (a *Allocator) AllocAligned(size, align uint64) (uintptr, error) {
	if align == 0 || align&(align-1) != 0 || align%FrameSize != 0 {
		return 0, ErrBadAlignment
	}
	n := uint32((size + FrameSize - 1) / FrameSize)
	frameAlign := uint32(align / FrameSize)
	return a.allocInZone(a.normal, n, frameAlign)
}

func (a *Allocator) allocInZone(z *zone, n, frameAlign uint32) (uintptr, error) {
	z.lock()
	defer z.unlock()

	start := z.bits.firstFreeRun(n, frameAlign)
	if start < 0 {
		return 0, ErrOutOfMemory
	}
	localStart := uint32(start)
	z.bits.setRun(localStart, n)

	globalStart := z.baseFrame + localStart

	for i := uint32(0); i < n; i++ {
		d := &a.descriptors[globalStart+i]
		d.flags = packFrameFlags(FrameFlags{KernelOwned: true})
		d.refCount = 1
	}

	phys := a.ramBase + uintptr(globalStart)*FrameSize
	// RAM is identity-mapped for the kernel (spec.md §4.B(i)), so the
	// physical address doubles as a kernel virtual address here.
	bzero(unsafe.Pointer(phys), uintptr(n)*FrameSize)
	return phys, nil
}

// FreeFrame releases one frame back to its zone, decrementing the
// descriptor's reference count and only returning the frame to the free
// pool once it reaches zero (spec.md §3 "destroyed when the refcount
// drops to zero").
func (a *Allocator) FreeFrame(phys uintptr) error {
	return a.FreeFrames(phys, 1)
}

// FreeFrames releases n contiguous frames starting at phys. Freeing a
// reserved frame (kernel image, early identity-mapped MMIO backing) is
// a logged no-op instead of an error, since reserved frames are never
// given a refcount to decrement in the first place (spec.md §3
// "Freeing reserved frames is a logged no-op").
func (a *Allocator) FreeFrames(phys uintptr, n uint32) error {
	idx, err := a.frameIndex(phys)
	if err != nil {
		return err
	}

	for i := uint32(0); i < n; i++ {
		d := &a.descriptors[idx+i]
		if d.Flags().Reserved {
			klog.Warnf("pmm: FreeFrames on reserved frame %d ignored", idx+i)
			continue
		}
		if d.refCount == 0 {
			return ErrNotAllocated
		}
		d.refCount--
	}

	// Only unmark bitmap bits for frames whose refcount actually hit zero.
	z, _ := a.zoneFor(idx)
	z.lock()
	for i := uint32(0); i < n; i++ {
		d := &a.descriptors[idx+i]
		if d.Flags().Reserved {
			continue
		}
		if d.refCount == 0 {
			d.flags = 0
			a.markZoneBit(idx+i, false)
		}
	}
	z.unlock()
	return nil
}

func (a *Allocator) frameIndex(phys uintptr) (uint32, error) {
	if phys < a.ramBase {
		return 0, ErrNotAllocated
	}
	off := phys - a.ramBase
	if off%FrameSize != 0 {
		return 0, ErrNotAllocated
	}
	idx := uint32(off / FrameSize)
	if int(idx) >= len(a.descriptors) {
		return 0, ErrNotAllocated
	}
	return idx, nil
}

// PhysToDescriptor returns the descriptor for the frame containing phys.
func (a *Allocator) PhysToDescriptor(phys uintptr) (*Descriptor, error) {
	idx, err := a.frameIndex(phys)
	if err != nil {
		return nil, err
	}
	return &a.descriptors[idx], nil
}

// DescriptorToPhys returns the physical address of the frame d describes.
// d must be a pointer returned by PhysToDescriptor on this Allocator.
func (a *Allocator) DescriptorToPhys(d *Descriptor) uintptr {
	base := unsafe.Pointer(&a.descriptors[0])
	idx := (uintptr(unsafe.Pointer(d)) - uintptr(base)) / unsafe.Sizeof(Descriptor{})
	return a.ramBase + idx*FrameSize
}
