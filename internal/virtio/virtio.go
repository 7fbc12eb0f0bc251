// Package virtio implements the VirtIO MMIO transport: device probing
// across the fixed slot band, the feature-negotiation and queue
// bring-up handshake, and the split virtqueue (descriptor table,
// available ring, used ring) that block, input, and GPU drivers build
// their requests on top of.
//
// Grounded on iansmith-mazarin/src/go/mazarin/virtqueue.go for the
// descriptor/available/used ring layout and free-list bookkeeping
// (generalized from its PCI-transport notify-register plumbing in
// pci_qemu.go to the MMIO register set spec.md §4.J names, since this
// target has no PCI bus) and on the VirtIO 1.2 MMIO transport
// specification's register layout for the probe and bring-up sequence
// itself.
package virtio

import (
	"errors"
	"unsafe"

	"vkernel/internal/archasm"
	"vkernel/internal/bootcfg"
)

// Register offsets within a device's 512-byte MMIO slot (VirtIO MMIO
// transport, version 2).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028 // legacy only
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c // legacy only
	regQueuePFN          = 0x040 // legacy only
	regQueueReady        = 0x044 // version >= 2
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090 // available ring, version >= 2
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0 // used ring, version >= 2
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100
)

// Status register bits.
const (
	StatusAcknowledge      = 1 << 0
	StatusDriver           = 1 << 1
	StatusDriverOK         = 1 << 2
	StatusFeaturesOK       = 1 << 3
	StatusDeviceNeedsReset = 1 << 6
	StatusFailed           = 1 << 7
)

// magicValue is the ASCII "virt" little-endian constant every VirtIO
// MMIO slot's magic register holds.
const magicValue = 0x74726976

// Known device IDs, per the VirtIO device-id registry.
const (
	DeviceIDBlock = 2
	DeviceIDGPU   = 16
	DeviceIDInput = 18
)

var (
	ErrFeaturesNotOK = errors.New("virtio: device rejected feature negotiation")
	ErrQueueTooLarge = errors.New("virtio: requested queue size exceeds device maximum")
	ErrInvalidSize   = errors.New("virtio: queue size must be a nonzero power of two")
	ErrNeedsReset    = errors.New("virtio: device reported needs-reset")
	ErrQueueFull     = errors.New("virtio: no free descriptors")
)

// Hardware touchpoints held as function variables so tests can drive
// probing, negotiation, and the virtqueue's ring protocol against fake
// MMIO and fake RAM instead of real hardware.
var (
	mmioRead32  = archasm.MMIORead32
	mmioWrite32 = archasm.MMIOWrite32
	dsb         = archasm.Dsb

	// physPointer turns a physical address into a pointer to its
	// contents; valid only because kernel RAM is identity-mapped.
	// Tests override it with a fake backed by a real Go-managed buffer.
	physPointer = func(phys uintptr) unsafe.Pointer { return unsafe.Pointer(phys) }
)

// frameAllocator is the minimal surface virtio needs to back a
// virtqueue's physically contiguous memory.
type frameAllocator interface {
	AllocFrames(n uint32) (uintptr, error)
}

// Device is one claimed VirtIO MMIO slot.
type Device struct {
	base     uintptr
	version  uint32
	deviceID uint32
}

// SlotBase returns the MMIO base address of probe slot i, per spec.md
// §6's "VirtIO slots from 160 MiB in 512-byte strides".
func SlotBase(slot int) uintptr {
	return bootcfg.VirtIOBase + uintptr(slot)*bootcfg.VirtIOSlotStride
}

// Probe reads a slot's magic and device-id registers. ok is false if
// the slot holds no VirtIO device or the device-id doesn't match want.
func Probe(slot int, want uint32) (*Device, bool) {
	base := SlotBase(slot)
	if mmioRead32(base+regMagicValue) != magicValue {
		return nil, false
	}
	id := mmioRead32(base + regDeviceID)
	if id != want {
		return nil, false
	}
	return &Device{base: base, version: mmioRead32(base + regVersion), deviceID: id}, true
}

// DeviceID reports the device's VirtIO device-id.
func (d *Device) DeviceID() uint32 { return d.deviceID }

// ConfigBase returns the address of the device-specific configuration
// space, used by drivers that read fields like virtio-blk's capacity
// directly out of device config rather than over the virtqueue.
func (d *Device) ConfigBase() uintptr { return d.base + regConfig }

// ReadConfig32 reads a little-endian 32-bit field at byteOffset within
// the device's configuration space.
func (d *Device) ReadConfig32(byteOffset uintptr) uint32 {
	return mmioRead32(d.ConfigBase() + byteOffset)
}

// Negotiate runs spec.md §4.J's bring-up sequence: reset, acknowledge,
// driver, accept every offered feature, features-ok (version >= 2
// only), select queue 0, reject a requested size that is not a power
// of two (ErrInvalidSize) or exceeds the device maximum
// (ErrQueueTooLarge), allocate and install the virtqueue, and finally
// set driver-ok. It returns the queue ready for requests.
func (d *Device) Negotiate(alloc frameAllocator, wantQueueSize uint16) (*Queue, error) {
	mmioWrite32(d.base+regStatus, 0)
	mmioWrite32(d.base+regStatus, StatusAcknowledge)
	mmioWrite32(d.base+regStatus, StatusAcknowledge|StatusDriver)

	mmioWrite32(d.base+regDeviceFeaturesSel, 0)
	featuresLow := mmioRead32(d.base + regDeviceFeatures)
	mmioWrite32(d.base+regDeviceFeaturesSel, 1)
	featuresHigh := mmioRead32(d.base + regDeviceFeatures)

	mmioWrite32(d.base+regDriverFeaturesSel, 0)
	mmioWrite32(d.base+regDriverFeatures, featuresLow)
	mmioWrite32(d.base+regDriverFeaturesSel, 1)
	mmioWrite32(d.base+regDriverFeatures, featuresHigh)

	if d.version >= 2 {
		mmioWrite32(d.base+regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
		status := mmioRead32(d.base + regStatus)
		if status&StatusFeaturesOK == 0 {
			mmioWrite32(d.base+regStatus, StatusFailed)
			return nil, ErrFeaturesNotOK
		}
	}

	mmioWrite32(d.base+regQueueSel, 0)
	maxSize := uint16(mmioRead32(d.base + regQueueNumMax))
	size := wantQueueSize
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrInvalidSize
	}
	if size > maxSize {
		return nil, ErrQueueTooLarge
	}
	mmioWrite32(d.base+regQueueNum, uint32(size))

	q, err := newQueue(alloc, size)
	if err != nil {
		return nil, err
	}

	if d.version >= 2 {
		writeSplit64(d.base+regQueueDescLow, d.base+regQueueDescHigh, uint64(q.descBase))
		writeSplit64(d.base+regQueueDriverLow, d.base+regQueueDriverHigh, uint64(q.availBase))
		writeSplit64(d.base+regQueueDeviceLow, d.base+regQueueDeviceHigh, uint64(q.usedBase))
		mmioWrite32(d.base+regQueueReady, 1)
	} else {
		mmioWrite32(d.base+regGuestPageSize, pageSize)
		mmioWrite32(d.base+regQueueAlign, pageSize)
		mmioWrite32(d.base+regQueuePFN, uint32(q.descBase/pageSize))
	}

	mmioWrite32(d.base+regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	q.device = d
	return q, nil
}

func writeSplit64(lowReg, highReg uintptr, v uint64) {
	mmioWrite32(lowReg, uint32(v))
	mmioWrite32(highReg, uint32(v>>32))
}

// Notify tells the device new descriptors are available on its one
// queue (queue index 0 — no driver here uses more than one queue per
// device).
func (d *Device) Notify() {
	mmioWrite32(d.base+regQueueNotify, 0)
}

// CheckHealth returns ErrNeedsReset if the device has flagged itself
// unhealthy since the last status write — drivers call this before
// issuing a new request.
func (d *Device) CheckHealth() error {
	if mmioRead32(d.base+regStatus)&StatusDeviceNeedsReset != 0 {
		return ErrNeedsReset
	}
	return nil
}

// AcknowledgeInterrupt reads and clears the device's interrupt-status
// bits, returning the raw value so a caller can tell a used-buffer
// notification from a configuration-change notification.
func (d *Device) AcknowledgeInterrupt() uint32 {
	status := mmioRead32(d.base + regInterruptStatus)
	mmioWrite32(d.base+regInterruptACK, status)
	return status
}
