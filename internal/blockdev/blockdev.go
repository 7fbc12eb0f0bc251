// Package blockdev implements the virtio-blk driver: single-issue,
// synchronous block reads and writes built as three-descriptor chains on
// top of internal/virtio's split virtqueue.
//
// Grounded on spec.md §4.K's block-device protocol text and on
// iansmith-mazarin/src/mazboot/golang/main/virtio_gpu.go's
// virtioGPUSendCommand for the shape of a request built from a
// fixed-size header struct plus a chained response/status descriptor —
// generalized here to three descriptors (header, data, status) instead
// of two (header, response), since virtio-blk's status byte is written
// by the device into guest memory rather than returned as a typed
// response record.
package blockdev

import (
	"encoding/binary"
	"errors"
	"sync"

	"vkernel/internal/virtio"
)

// sectorSize is the device's fixed unit of addressing, per the VirtIO
// block device specification.
const sectorSize = 512

// SectorsPerBlock is the number of device sectors in one fsiface
// BlockSize block.
const SectorsPerBlock = 4096 / sectorSize

// Request types, per the VirtIO block device specification.
const (
	reqIn  = 0 // read
	reqOut = 1 // write
)

// Status byte values the device writes back.
const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

var (
	ErrIOError       = errors.New("blockdev: device reported an I/O error")
	ErrUnsupported   = errors.New("blockdev: device does not support this request type")
	ErrBadStatus     = errors.New("blockdev: device returned an unrecognized status byte")
	ErrQueueTooSmall = errors.New("blockdev: negotiated queue has fewer than 3 free descriptors")
)

// reqHeader mirrors struct virtio_blk_req's header: a 32-bit type, a
// 32-bit reserved field, and a 64-bit sector number.
type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const reqHeaderSize = 16

// virtQueue is the slice of *virtio.Queue's API doRequest needs. Tests
// substitute a fake; production code gets the real thing from
// virtio.Device.Negotiate.
type virtQueue interface {
	AddDesc(addr uint64, length uint32, flags uint16, next uint16) (uint16, error)
	Submit(headIdx uint16)
	Notify()
	WaitUsed() (descIdx uint32, length uint32)
	FreeChain(headIdx uint16)
}

// Driver is a claimed and negotiated virtio-blk device. One Driver
// serves every caller through a single shared request structure per
// spec.md §4.K — concurrent callers are serialized by mu, not by the
// device.
type Driver struct {
	mu     sync.Mutex
	dev    *virtio.Device
	q      virtQueue
	header [reqHeaderSize]byte
	status [1]byte
}

// Attach probes the given slot for a virtio-blk device and runs feature
// negotiation with a queue of queueSize descriptors (must be at least
// 3, since every request is a three-descriptor chain).
func Attach(slot int, alloc frameAllocator, queueSize uint16) (*Driver, error) {
	if queueSize < 3 {
		return nil, ErrQueueTooSmall
	}
	dev, ok := virtio.Probe(slot, virtio.DeviceIDBlock)
	if !ok {
		return nil, errNoDevice
	}
	q, err := dev.Negotiate(alloc, queueSize)
	if err != nil {
		return nil, err
	}
	return &Driver{dev: dev, q: q}, nil
}

var errNoDevice = errors.New("blockdev: no virtio-blk device at that slot")

// frameAllocator matches virtio's own minimal allocator surface, so
// callers can pass internal/pmm.Allocator directly.
type frameAllocator interface {
	AllocFrames(n uint32) (uintptr, error)
}

// ReadBlock reads one fsiface.BlockSize block (SectorsPerBlock sectors
// starting at block*SectorsPerBlock) into out, which must be at least
// fsiface.BlockSize bytes. It implements fsiface.BlockDevice.
func (d *Driver) ReadBlock(block uint64, out []byte) error {
	return d.doRequest(reqIn, block*SectorsPerBlock, out)
}

// WriteBlock writes one fsiface.BlockSize block from data, which must be
// at least fsiface.BlockSize bytes. It implements fsiface.BlockDevice.
func (d *Driver) WriteBlock(block uint64, data []byte) error {
	return d.doRequest(reqOut, block*SectorsPerBlock, data)
}

func (d *Driver) doRequest(reqType uint32, sector uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	putHeader(d.header[:], reqHeader{Type: reqType, Sector: sector})
	d.status[0] = 0xff // device must overwrite this; leave a sentinel

	statusIdx, err := d.q.AddDesc(virtio.PhysAddr(d.status[:]), 1, virtio.DescFWrite, 0)
	if err != nil {
		return err
	}
	dataFlags := uint16(virtio.DescFNext)
	if reqType == reqIn {
		dataFlags |= virtio.DescFWrite
	}
	dataIdx, err := d.q.AddDesc(virtio.PhysAddr(buf), uint32(len(buf)), dataFlags, statusIdx)
	if err != nil {
		d.q.FreeChain(statusIdx)
		return err
	}
	headerIdx, err := d.q.AddDesc(virtio.PhysAddr(d.header[:]), reqHeaderSize, virtio.DescFNext, dataIdx)
	if err != nil {
		d.q.FreeChain(dataIdx)
		return err
	}

	d.q.Submit(headerIdx)
	d.q.Notify()
	d.q.WaitUsed()
	d.q.FreeChain(headerIdx)

	switch d.status[0] {
	case statusOK:
		return nil
	case statusIOErr:
		return ErrIOError
	case statusUnsupp:
		return ErrUnsupported
	default:
		return ErrBadStatus
	}
}

func putHeader(b []byte, h reqHeader) {
	binary.LittleEndian.PutUint32(b[0:4], h.Type)
	binary.LittleEndian.PutUint32(b[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(b[8:16], h.Sector)
}
