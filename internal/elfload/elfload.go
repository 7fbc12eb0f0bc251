// Package elfload loads a 64-bit AArch64 ELF binary into a process's
// address space: walk PT_LOAD segments, allocate and map frames, copy
// in file contents, zero the BSS tail, and set up a fixed-size user
// stack plus the process's initial saved register frame.
//
// Grounded on iansmith-feelings/src/lib/loader/loader.go for the
// find-inode-then-read-sections-then-build-page-tables shape, but uses
// the standard library's debug/elf to parse the header and program
// headers instead of loader.go's own hand-rolled field offsets and
// sectionBuffer — loader.go reads fixed linker-named sections out of a
// monolithic kernel image; this loader walks a user ELF's PT_LOAD
// program headers instead, which debug/elf already models directly.
package elfload

import (
	"debug/elf"
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/fsiface"
	"vkernel/internal/pmm"
	"vkernel/internal/proc"
	"vkernel/internal/trap"
	"vkernel/internal/vmm"
)

// physPointer turns a physical frame address into a pointer to its
// contents. physPointer casts directly, valid only because kernel RAM
// is identity-mapped; tests override it with a fake backed by a real
// Go-managed buffer.
var physPointer = func(phys uintptr) unsafe.Pointer { return unsafe.Pointer(phys) }

// Hardware touchpoints held as function variables so tests can drive
// Load without a linked boot stub.
var (
	dsb              = archasm.Dsb
	isb              = archasm.Isb
	cleanDCacheLine  = archasm.CleanDCacheLine
	invalidateICache = archasm.InvalidateICacheAll
)

// inodeReaderAt adapts fsiface.Filesystem.ReadInode to io.ReaderAt so
// debug/elf can parse the header and program headers without the whole
// file being read up front; reads past the inode's extent return
// zeroes per the Filesystem's sparse-hole contract.
type inodeReaderAt struct {
	fs  fsiface.Filesystem
	ino uint32
}

func (r inodeReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.fs.ReadInode(r.ino, off, p)
}

var (
	ErrNotFound  = errors.New("elfload: file not found")
	ErrBadFormat = errors.New("elfload: not a 64-bit AArch64 executable")
)

// StackBase and StackSize fix the user stack's location, per spec.md
// §4.H ("a fixed 1 MiB region at a known high virtual address").
const (
	StackBase = 0xC000_0000
	StackSize = 0x10_0000 // 1 MiB
)

const pageSize = pmm.FrameSize

// frameAllocator is the minimal surface elfload needs to back newly
// mapped pages.
type frameAllocator interface {
	AllocFrame() (uintptr, error)
}

// spsrEL0Unmasked is SPSR_EL1's encoding for "return to EL0t with all
// exceptions unmasked": M[3:0] = 0 (EL0t), DAIF bits clear.
const spsrEL0Unmasked = uint64(0)

func alignDown(v uintptr) uintptr { return v &^ (pageSize - 1) }
func alignUp(v uintptr) uintptr   { return (v + pageSize - 1) &^ (pageSize - 1) }

// Load resolves path on fs, verifies it is a 64-bit AArch64 executable,
// maps every PT_LOAD segment into p's address space, reserves and maps
// the user stack, and initializes p's saved register frame to enter at
// the ELF's entry point. p.AddressSpace and p.Frame must already be set
// (proc.Table.Create does this).
func Load(fs fsiface.Filesystem, path string, p *proc.Process, alloc frameAllocator) error {
	ino, err := fs.FindInode(path)
	if err != nil {
		return ErrNotFound
	}

	f, err := elf.NewFile(inodeReaderAt{fs: fs, ino: ino})
	if err != nil {
		return ErrBadFormat
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_AARCH64 {
		return ErrBadFormat
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(p.AddressSpace, alloc, ph, fs, ino); err != nil {
			return err
		}
	}

	if err := mapStack(p.AddressSpace, alloc); err != nil {
		return err
	}

	*p.Frame = trap.Frame{}
	p.Frame.ELR = f.Entry
	p.Frame.SPEL0 = StackBase + StackSize
	p.Frame.SPSR = spsrEL0Unmasked
	p.EntryPoint = uintptr(f.Entry)
	p.UserSP = StackBase + StackSize

	dsb()
	invalidateICache()
	dsb()
	isb()

	return nil
}

func pageAttrs(ph *elf.Prog) uint64 {
	attrs := vmm.PTEAttrNormal | vmm.PTESHInner
	if ph.Flags&elf.PF_W != 0 {
		attrs |= vmm.PTEAPRWAll
	} else {
		attrs |= vmm.PTEAPROAll
	}
	if ph.Flags&elf.PF_X == 0 {
		attrs |= vmm.PTEUXN
	}
	return attrs
}

// loadSegment maps every page covering ph's memory extent, zeroing each
// before copying in the intersection of that page with the segment's
// file extent, then cleans the data cache over executable pages.
func loadSegment(as *vmm.AddressSpace, alloc frameAllocator, ph *elf.Prog, fs fsiface.Filesystem, ino uint32) error {
	segStart := uintptr(ph.Vaddr)
	segEnd := segStart + uintptr(ph.Memsz)
	fileEnd := segStart + uintptr(ph.Filesz)
	attrs := pageAttrs(ph)

	pageStart := alignDown(segStart)
	pageEnd := alignUp(segEnd)

	for va := pageStart; va < pageEnd; va += pageSize {
		pa, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		if err := as.Map(va, pa, attrs); err != nil {
			return err
		}

		page := (*[pageSize]byte)(physPointer(pa))
		for i := range page {
			page[i] = 0
		}

		copyStart := maxUintptr(va, segStart)
		copyEnd := minUintptr(va+pageSize, fileEnd)
		if copyStart < copyEnd {
			offsetInPage := copyStart - va
			offsetInFile := int64(ph.Off) + int64(copyStart-segStart)
			if _, err := fs.ReadInode(ino, offsetInFile, page[offsetInPage:offsetInPage+(copyEnd-copyStart)]); err != nil {
				return err
			}
		}

		if ph.Flags&elf.PF_X != 0 {
			for line := uintptr(0); line < pageSize; line += 64 {
				cleanDCacheLine(pa + line)
			}
		}
	}
	return nil
}

// mapStack reserves and zero-fills the fixed-size user stack.
func mapStack(as *vmm.AddressSpace, alloc frameAllocator) error {
	attrs := vmm.PTEAttrNormal | vmm.PTESHInner | vmm.PTEAPRWAll | vmm.PTEUXN
	for va := uintptr(StackBase); va < StackBase+StackSize; va += pageSize {
		pa, err := alloc.AllocFrame()
		if err != nil {
			return err
		}
		if err := as.Map(va, pa, attrs); err != nil {
			return err
		}
		page := (*[pageSize]byte)(physPointer(pa))
		for i := range page {
			page[i] = 0
		}
	}
	return nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
