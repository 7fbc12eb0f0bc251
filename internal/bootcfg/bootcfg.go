// Package bootcfg decodes the boot stub's handoff block and names the
// fixed memory-map constants for the QEMU virt/Cortex-A57 target: RAM
// base, the MMIO aperture, and the VirtIO probe band.
//
// The handoff block itself is grounded on
// iansmith-feelings/src/boot/bootloader/params.go's ParamsDef: a flat
// struct of uint64 fields at fixed offsets, written by the boot stub
// before it calls into Go, read here by value (never aliased in place,
// since the stub's memory may be reused once boot finishes).
package bootcfg

import "unsafe"

// Memory map constants (spec.md §6 "Memory map").
const (
	// RAMBase is the physical address RAM starts at.
	RAMBase = 0x4000_0000 // 1 GiB

	// MMIOApertureStart is the low end of the MMIO aperture (GIC distributor).
	MMIOApertureStart = 0x0080_0000 // 8 MiB

	// MMIOApertureEnd is the high end of the MMIO aperture, exclusive.
	MMIOApertureEnd = 0x0A80_0000 // ~168 MiB

	// GICDistributorBase is the GICv2 distributor's MMIO base.
	GICDistributorBase = MMIOApertureStart

	// GICCPUInterfaceBase is the GICv2 CPU interface's MMIO base.
	GICCPUInterfaceBase = MMIOApertureStart + 0x1_0000

	// UARTBase is the PL011 UART's MMIO base; the char-level protocol
	// behind it is out of scope (spec.md §1 "UART char I/O internals").
	UARTBase = 0x0900_0000 // 144 MiB

	// VirtIOBase is the first VirtIO MMIO probe slot.
	VirtIOBase = 0x0A00_0000 // 160 MiB

	// VirtIOSlotStride is the byte distance between consecutive probe slots.
	VirtIOSlotStride = 0x200 // 512 bytes

	// VirtIOSlotCount is the number of slots in the probe band.
	VirtIOSlotCount = 32
)

// BootInfo is the decoded form of the boot stub's handoff block, pointed
// to by the `boot_info` symbol (spec.md §6 "Boot contract"). Fields are
// read once at boot and never written back.
type BootInfo struct {
	EntryPoint      uint64
	KernelCodeStart uint64
	UnixTime        uint64
	StackStart      uint64
	HeapStart       uint64
	ReadOnlyStart   uint64
	ReadWriteStart  uint64
	UninitStart     uint64
	pageCounts      uint64
}

// Page-count sub-fields are packed one byte each into a single word, the
// same layout ParamsDef.PageCounts uses.
const (
	kernelCodePagesMask  = uint64(0xff) << 0
	stackPagesMask       = uint64(0xff) << 8
	heapPagesMask        = uint64(0xff) << 16
	readOnlyPagesMask    = uint64(0xff) << 24
	readWritePagesMask   = uint64(0xff) << 32
	uninitializedPagesMk = uint64(0xff) << 40
)

// KernelCodePages is the page count handed to the kernel's .text+.rodata.
func (b *BootInfo) KernelCodePages() uint8 { return uint8(b.pageCounts & kernelCodePagesMask) }

// StackPages is the page count handed to the initial kernel stack.
func (b *BootInfo) StackPages() uint8 { return uint8((b.pageCounts & stackPagesMask) >> 8) }

// HeapPages is the page count handed to the kernel heap at boot.
func (b *BootInfo) HeapPages() uint8 { return uint8((b.pageCounts & heapPagesMask) >> 16) }

// ReadOnlyPages is the page count of the kernel's read-only data.
func (b *BootInfo) ReadOnlyPages() uint8 { return uint8((b.pageCounts & readOnlyPagesMask) >> 24) }

// ReadWritePages is the page count of the kernel's read-write data.
func (b *BootInfo) ReadWritePages() uint8 {
	return uint8((b.pageCounts & readWritePagesMask) >> 32)
}

// UninitializedPages is the page count of the kernel's BSS.
func (b *BootInfo) UninitializedPages() uint8 {
	return uint8((b.pageCounts & uninitializedPagesMk) >> 40)
}

// handoffLayout mirrors the exact field order and width the boot stub
// writes, so Decode can read it as a flat byte blob without aliasing the
// stub's memory past the copy.
type handoffLayout struct {
	EntryPoint      uint64
	KernelCodeStart uint64
	UnixTime        uint64
	StackStart      uint64
	HeapStart       uint64
	ReadOnlyStart   uint64
	ReadWriteStart  uint64
	UninitStart     uint64
	PageCounts      uint64
}

// Decode reads the handoff block at ptr and returns it as a BootInfo. ptr
// is the value of the `boot_info` symbol; a nil ptr means no boot stub
// ran (e.g. direct-kernel QEMU boot) and Decode returns the zero value.
func Decode(ptr unsafe.Pointer) BootInfo {
	if ptr == nil {
		return BootInfo{}
	}
	h := (*handoffLayout)(ptr)
	return BootInfo{
		EntryPoint:      h.EntryPoint,
		KernelCodeStart: h.KernelCodeStart,
		UnixTime:        h.UnixTime,
		StackStart:      h.StackStart,
		HeapStart:       h.HeapStart,
		ReadOnlyStart:   h.ReadOnlyStart,
		ReadWriteStart:  h.ReadWriteStart,
		UninitStart:     h.UninitStart,
		pageCounts:      h.PageCounts,
	}
}
