package virtio

import "unsafe"

// pageSize is the frame/page size rings are aligned to, matching
// spec.md §4.J's "used ring at page offset 4096".
const pageSize = 4096

// Descriptor flags, per spec.md §4.J.
const (
	DescFNext     = 1 << 0 // chained to another descriptor
	DescFWrite    = 1 << 1 // device-writable
	DescFIndirect = 1 << 2
)

// descSize is the on-the-wire size of one descriptor: 64-bit address,
// 32-bit length, 16-bit flags, 16-bit next.
const descSize = 16

// usedElemSize is the on-the-wire size of one used-ring entry: 32-bit
// descriptor id, 32-bit length.
const usedElemSize = 8

// rawDesc mirrors the wire layout of one descriptor exactly, so a
// *rawDesc aliased over guest memory at the right offset is the
// descriptor the device reads.
type rawDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// rawUsedElem mirrors the wire layout of one used-ring entry.
type rawUsedElem struct {
	ID  uint32
	Len uint32
}

// Queue is a split virtqueue: a descriptor table, an available ring,
// and a used ring, all allocated from physically contiguous frames per
// spec.md §3's Virtqueue invariant. The descriptor table and available
// ring share the first page; the used ring starts at the next page
// boundary, per spec.md §4.J's fixed layout.
type Queue struct {
	device      *Device
	size        uint16
	descBase    uintptr
	availBase   uintptr
	usedBase    uintptr
	freeHead    uint16
	numFree     uint16
	lastUsedIdx uint16
}

// spin is called on every iteration of WaitUsed's busy loop. Production
// leaves it a no-op — the loop's only job is to keep re-reading memory
// the device writes via DMA. Tests override it to inject a completion.
var spin = func() {}

// newQueue allocates and initializes a queue of the given size (which
// must be a nonzero power of two).
func newQueue(alloc frameAllocator, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrInvalidSize
	}

	usedBytes := 4 + int(size)*usedElemSize
	framesNeeded := uint32(1 + (usedBytes+pageSize-1)/pageSize)

	base, err := alloc.AllocFrames(framesNeeded)
	if err != nil {
		return nil, err
	}

	for f := uint32(0); f < framesNeeded; f++ {
		frame := (*[pageSize]byte)(physPointer(base + uintptr(f)*pageSize))
		for i := range frame {
			frame[i] = 0
		}
	}

	q := &Queue{
		size:      size,
		descBase:  base,
		availBase: base + uintptr(size)*descSize,
		usedBase:  base + pageSize,
	}

	for i := uint16(0); i < size-1; i++ {
		q.descAt(i).Next = i + 1
	}
	q.descAt(size - 1).Next = 0xFFFF
	q.freeHead = 0
	q.numFree = size

	return q, nil
}

func (q *Queue) descAt(idx uint16) *rawDesc {
	return (*rawDesc)(physPointer(q.descBase + uintptr(idx)*descSize))
}

func (q *Queue) availIdxPtr() *uint16 {
	return (*uint16)(physPointer(q.availBase + 2))
}

func (q *Queue) availRingAt(i uint16) *uint16 {
	return (*uint16)(physPointer(q.availBase + 4 + uintptr(i)*2))
}

func (q *Queue) usedIdxPtr() *uint16 {
	return (*uint16)(physPointer(q.usedBase + 2))
}

func (q *Queue) usedElemAt(i uint16) *rawUsedElem {
	return (*rawUsedElem)(physPointer(q.usedBase + 4 + uintptr(i)*usedElemSize))
}

// PhysAddr returns the physical address of data, the layer every
// descriptor's Addr field points at. Kernel RAM is identity-mapped, so
// this is the direct cast; it exists so driver code never reaches for
// unsafe.Pointer itself.
func PhysAddr(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&data[0])))
}

// AddDesc claims a descriptor from the free list and fills it. next is
// the next descriptor's index (ignored unless flags carries
// DescFNext); callers building a chain fill it tail-first so each
// descriptor's next is already known.
func (q *Queue) AddDesc(addr uint64, length uint32, flags uint16, next uint16) (uint16, error) {
	if q.numFree == 0 {
		return 0, ErrQueueFull
	}
	idx := q.freeHead
	d := q.descAt(idx)
	q.freeHead = d.Next
	q.numFree--

	d.Addr = addr
	d.Len = length
	d.Flags = flags
	d.Next = next
	return idx, nil
}

// Submit places headIdx in the available ring and makes it visible to
// the device, per spec.md §4.J steps 2-3: write the index, barrier,
// increment avail->idx, barrier again.
func (q *Queue) Submit(headIdx uint16) {
	avail := *q.availIdxPtr()
	*q.availRingAt(avail % q.size) = headIdx
	dsb()
	*q.availIdxPtr() = avail + 1
	dsb()
}

// Notify rings the device's doorbell for this queue.
func (q *Queue) Notify() {
	if q.device != nil {
		q.device.Notify()
	}
}

// PollUsed reports the next unconsumed used-ring entry without
// blocking. ok is false if the device hasn't produced a new
// completion since the last Poll/WaitUsed call.
func (q *Queue) PollUsed() (descIdx uint32, length uint32, ok bool) {
	dsb()
	if *q.usedIdxPtr() == q.lastUsedIdx {
		return 0, 0, false
	}
	elem := q.usedElemAt(q.lastUsedIdx % q.size)
	descIdx, length = elem.ID, elem.Len
	q.lastUsedIdx++
	return descIdx, length, true
}

// WaitUsed busy-waits for the next used-ring completion, per spec.md
// §4.J's synchronous request protocol (sample used->idx, spin until it
// changes).
func (q *Queue) WaitUsed() (descIdx uint32, length uint32) {
	for {
		if id, ln, ok := q.PollUsed(); ok {
			return id, ln
		}
		spin()
	}
}

// FreeChain returns every descriptor in the chain starting at headIdx
// to the free list, walking DescFNext links.
func (q *Queue) FreeChain(headIdx uint16) {
	cur := headIdx
	for {
		d := q.descAt(cur)
		next := d.Next
		hasNext := d.Flags&DescFNext != 0
		d.Next = q.freeHead
		q.freeHead = cur
		q.numFree++
		if !hasNext || next == 0xFFFF {
			break
		}
		cur = next
	}
}

// Repost places a previously-submitted descriptor index back into the
// available ring without touching the free list — used by the input
// driver, which pre-posts every descriptor as writable and re-submits
// the same index after draining each completion (spec.md §4.J's
// asynchronous variant).
func (q *Queue) Repost(idx uint16) {
	q.Submit(idx)
}

// Size reports the queue's descriptor count.
func (q *Queue) Size() uint16 { return q.size }
