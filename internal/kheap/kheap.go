// Package kheap is the kernel's general-purpose allocator: a singly
// linked free list of returned blocks sitting in front of a
// bump-pointer region, carved once from a frame-backed buffer.
//
// Grounded on iansmith-mazarin/src/go/mazarin/heap.go for the general
// shape (a header struct overlaid directly on the backing buffer via
// unsafe.Pointer, pointer arithmetic to recover the header from a data
// pointer) but diverges from heap.go's actual algorithm (which is
// best-fit over a doubly-linked list of all segments, with
// bidirectional coalescing and no magic word) to match the documented
// kernel-heap behavior: a magic-word header, first-fit search of the
// free list before falling back to bumping the pointer, and no
// coalescing on free — a known, intentional limitation carried forward
// unchanged. The UART debug writes scattered through heap.go's kmalloc
// (tracing a specific bring-up hang) have no equivalent here.
package kheap

import (
	"errors"
	"unsafe"
)

// Alignment is the byte alignment Alloc and Realloc guarantee for
// returned pointers.
const Alignment = 16

// headerMagic marks a live block header; a block whose header doesn't
// carry this value was never handed out by this heap (or has been
// corrupted).
const headerMagic = 0x4B48454C // "KHEL"

var (
	ErrOutOfMemory  = errors.New("kheap: out of memory")
	ErrNotOwned     = errors.New("kheap: pointer was not allocated by this heap")
	ErrBadAlignment = errors.New("kheap: buffer too small to hold a single header")
)

type blockHeader struct {
	magic uint32
	size  uint32 // total size including this header
	next  *blockHeader
}

// headerSize is a multiple of Alignment (4+4+8 = 16 on a 64-bit
// platform), so every header sits at an aligned offset and the data
// pointer always follows it by exactly headerSize bytes — no
// additional padding is ever needed between header and payload.
var headerSize = uint32(unsafe.Sizeof(blockHeader{}))

// Heap is a bump-and-free-list allocator over a caller-provided byte
// buffer, typically a multi-megabyte run acquired once from the frame
// allocator.
type Heap struct {
	buf      []byte
	bumpNext uint32 // offset of the next never-yet-carved byte
	freeList *blockHeader
}

// New initializes a Heap over buf. The whole buffer starts unused; New
// reports ErrBadAlignment if buf cannot even hold one header.
func New(buf []byte) (*Heap, error) {
	if uint32(len(buf)) < headerSize {
		return nil, ErrBadAlignment
	}
	return &Heap{buf: buf}, nil
}

func align(n, to uint32) uint32 {
	rem := n % to
	if rem == 0 {
		return n
	}
	return n + to - rem
}

func (h *Heap) headerAt(offset uint32) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&h.buf[offset]))
}

// Alloc returns a pointer to a region of at least size bytes,
// 16-byte-aligned, or ErrOutOfMemory if the free list holds nothing
// large enough and the bump region has no room left.
func (h *Heap) Alloc(size uint32) (unsafe.Pointer, error) {
	total := align(size+headerSize, Alignment)

	for curr := h.freeList; curr != nil; curr = curr.next {
		if curr.size >= total {
			h.unlinkFree(curr)
			curr.magic = headerMagic
			return h.dataPointer(curr), nil
		}
	}

	if h.bumpNext+total > uint32(len(h.buf)) {
		return nil, ErrOutOfMemory
	}
	hdr := h.headerAt(h.bumpNext)
	*hdr = blockHeader{magic: headerMagic, size: total}
	h.bumpNext += total
	return h.dataPointer(hdr), nil
}

func (h *Heap) unlinkFree(target *blockHeader) {
	if h.freeList == target {
		h.freeList = target.next
		target.next = nil
		return
	}
	for curr := h.freeList; curr != nil; curr = curr.next {
		if curr.next == target {
			curr.next = target.next
			target.next = nil
			return
		}
	}
}

// dataPointer returns hdr's payload pointer, zeroing the payload first.
func (h *Heap) dataPointer(hdr *blockHeader) unsafe.Pointer {
	hdrOffset := h.offsetOf(hdr)
	dataOffset := hdrOffset + headerSize
	region := h.buf[dataOffset : hdrOffset+hdr.size]
	for i := range region {
		region[i] = 0
	}
	return unsafe.Pointer(&h.buf[dataOffset])
}

func (h *Heap) offsetOf(hdr *blockHeader) uint32 {
	return uint32(uintptr(unsafe.Pointer(hdr)) - uintptr(unsafe.Pointer(&h.buf[0])))
}

// dataToHeader recovers the header belonging to a pointer Alloc
// returned, verifying the magic word to reject foreign or corrupted
// pointers.
func (h *Heap) dataToHeader(ptr unsafe.Pointer) (*blockHeader, error) {
	base := uintptr(unsafe.Pointer(&h.buf[0]))
	end := base + uintptr(len(h.buf))
	addr := uintptr(ptr)
	if addr < base+uintptr(headerSize) || addr > end {
		return nil, ErrNotOwned
	}
	hdr := (*blockHeader)(unsafe.Pointer(addr - uintptr(headerSize)))
	if hdr.magic != headerMagic {
		return nil, ErrNotOwned
	}
	return hdr, nil
}

// Free releases memory previously returned by Alloc, prepending its
// block to the free list. Blocks are never merged with their
// neighbors: a long-running kernel with a heavily fragmented heap is
// the tradeoff for keeping free O(1) and allocation-time bookkeeping
// minimal.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	hdr, err := h.dataToHeader(ptr)
	if err != nil {
		return err
	}
	hdr.magic = 0
	hdr.next = h.freeList
	h.freeList = hdr
	return nil
}

// Realloc resizes the allocation at ptr to n bytes, copying the lesser
// of the old and new sizes and freeing the original block. ptr may be
// nil, in which case Realloc behaves like Alloc.
func (h *Heap) Realloc(ptr unsafe.Pointer, n uint32) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(n)
	}
	oldHdr, err := h.dataToHeader(ptr)
	if err != nil {
		return nil, err
	}
	oldData := oldHdr.size - headerSize

	newPtr, err := h.Alloc(n)
	if err != nil {
		return nil, err
	}

	copyLen := oldData
	if n < copyLen {
		copyLen = n
	}
	src := unsafe.Slice((*byte)(ptr), copyLen)
	dst := unsafe.Slice((*byte)(newPtr), copyLen)
	copy(dst, src)

	if err := h.Free(ptr); err != nil {
		return nil, err
	}
	return newPtr, nil
}
