// Package inputdev implements the virtio-input driver: it pre-posts a
// writable event buffer per descriptor, drains completions on
// interrupt, and routes each decoded event to the compositor's
// mouse-update/click-handler entries or into a scancode-to-ASCII
// keyboard buffer, per spec.md §4.K's asynchronous request variant.
//
// Grounded on original_source/kernel/drivers/virtio/virtio_input.c for
// the device bring-up (one eventq, every descriptor pre-posted
// device-writable) and the IRQ-time drain/repost loop, and on
// original_source/kernel/drivers/keyboard/keyboard.c for the modifier-
// state scancode translation table — both adapted from their PCI-free
// MMIO register pokes onto internal/virtio's Device/Queue API.
package inputdev

import (
	"encoding/binary"

	"vkernel/internal/gic"
	"vkernel/internal/virtio"
)

// Linux input-event-compatible type constants, per virtio_input.h.
const (
	EVSyn = 0x00
	EVKey = 0x01
	EVRel = 0x02
	EVAbs = 0x03
)

// Relative/absolute axis codes.
const (
	RelX = 0x00
	RelY = 0x01
	AbsX = 0x00
	AbsY = 0x01
)

// Mouse button codes.
const (
	BtnLeft = 0x110
)

// Keyboard scancodes this driver gives modifier-key treatment to; the
// rest flow straight through the ASCII table.
const (
	keyLeftCtrl   = 29
	keyLeftShift  = 42
	keyRightShift = 54
	keyCapsLock   = 58
	keyQ          = 16
	keyP          = 25
	keyA          = 30
	keyL          = 38
	keyZ          = 44
	keyM          = 50
	keyC          = 46
)

// eventSize is the wire size of one virtio-input event: two-byte type,
// two-byte code, four-byte value.
const eventSize = 8

const queueSize = 16

// MouseSink and ClickSink let the compositor register to receive
// decoded pointer events without this package importing compositor.
type MouseSink interface {
	UpdateMouse(dx, dy int32, absolute bool)
}

type ClickSink interface {
	HandleClick(button uint16, pressed bool)
}

// frameAllocator matches virtio's own minimal allocator surface.
type frameAllocator interface {
	AllocFrames(n uint32) (uintptr, error)
}

// Driver is one negotiated virtio-input device together with the
// decoded keyboard buffer it feeds.
type Driver struct {
	dev    ackSource
	q      virtQueue
	events [queueSize][eventSize]byte

	mouse MouseSink
	click ClickSink

	shift bool
	ctrl  bool
	caps  bool

	kbBuf  [256]byte
	kbHead uint32
	kbTail uint32
}

// virtQueue is the slice of *virtio.Queue's API this driver needs.
type virtQueue interface {
	AddDesc(addr uint64, length uint32, flags uint16, next uint16) (uint16, error)
	Submit(headIdx uint16)
	Notify()
	PollUsed() (descIdx uint32, length uint32, ok bool)
	Repost(idx uint16)
}

// ackSource is the slice of *virtio.Device's API HandleIRQ needs to
// acknowledge the interrupt line before draining the queue.
type ackSource interface {
	AcknowledgeInterrupt() uint32
}

// Probe scans [firstSlot, lastSlot] for virtio-input devices and
// attaches a Driver to each one found, per spec.md §4.K's "probes a
// sub-range of slots".
func Probe(firstSlot, lastSlot int, alloc frameAllocator, mouse MouseSink, click ClickSink) []*Driver {
	var drivers []*Driver
	for slot := firstSlot; slot <= lastSlot; slot++ {
		dev, ok := virtio.Probe(slot, virtio.DeviceIDInput)
		if !ok {
			continue
		}
		d, err := attach(dev, alloc, mouse, click)
		if err != nil {
			continue
		}
		drivers = append(drivers, d)
	}
	return drivers
}

func attach(dev *virtio.Device, alloc frameAllocator, mouse MouseSink, click ClickSink) (*Driver, error) {
	q, err := dev.Negotiate(alloc, queueSize)
	if err != nil {
		return nil, err
	}
	d := &Driver{dev: dev, q: q, mouse: mouse, click: click}
	d.postAll(q)
	q.Notify()
	return d, nil
}

func (d *Driver) postAll(q virtQueue) {
	for i := range d.events {
		idx, err := q.AddDesc(addrOf(&d.events[i]), eventSize, virtio.DescFWrite, 0)
		if err != nil {
			return
		}
		q.Submit(idx)
	}
}

func addrOf(buf *[eventSize]byte) uint64 {
	return virtio.PhysAddr(buf[:])
}

// HandleIRQ drains every pending completion, decodes each event, routes
// it, and reposts the descriptor. Wire this as the gic.Handler for the
// device's assigned SPI (48+slot on the virt machine's MMIO band, per
// original_source/kernel/drivers/virtio/virtio_input.c).
func (d *Driver) HandleIRQ(irqID uint32) {
	d.dev.AcknowledgeInterrupt()
	for {
		idx, _, ok := d.q.PollUsed()
		if !ok {
			break
		}
		buf := d.events[idx%queueSize]
		typ := binary.LittleEndian.Uint16(buf[0:2])
		code := binary.LittleEndian.Uint16(buf[2:4])
		value := int32(binary.LittleEndian.Uint32(buf[4:8]))
		d.dispatch(typ, code, value)
		d.q.Repost(uint16(idx))
	}
}

func (d *Driver) dispatch(typ, code uint16, value int32) {
	switch typ {
	case EVRel:
		switch code {
		case RelX:
			d.sendMouse(value, 0, false)
		case RelY:
			d.sendMouse(0, value, false)
		}
	case EVAbs:
		switch code {
		case AbsX:
			d.sendMouse(value, 0, true)
		case AbsY:
			d.sendMouse(0, value, true)
		}
	case EVKey:
		if code == BtnLeft {
			if d.click != nil {
				d.click.HandleClick(code, value != 0)
			}
			return
		}
		d.processKey(code, value)
	}
}

func (d *Driver) sendMouse(dx, dy int32, absolute bool) {
	if d.mouse != nil {
		d.mouse.UpdateMouse(dx, dy, absolute)
	}
}

// processKey runs the scancode-to-ASCII translator with modifier state,
// per keyboard.c's keyboard_process_key: shift/ctrl/caps-lock are
// tracked, Ctrl+C yields ETX, and everything else indexes the ASCII
// tables with caps-lock toggling letter ranges only.
func (d *Driver) processKey(code uint16, value int32) {
	switch code {
	case keyLeftShift, keyRightShift:
		d.shift = value != 0
		return
	case keyLeftCtrl:
		d.ctrl = value != 0
		return
	case keyCapsLock:
		if value == 1 {
			d.caps = !d.caps
		}
		return
	}

	if value == 0 { // key release: only modifiers matter above
		return
	}

	if d.ctrl && code == keyC {
		d.pushByte(0x03)
		return
	}

	if code >= uint16(len(scancodeASCII)) {
		return
	}

	useShift := d.shift
	if (code >= keyQ && code <= keyP) || (code >= keyA && code <= keyL) || (code >= keyZ && code <= keyM) {
		useShift = useShift != d.caps
	}

	var c byte
	if useShift {
		c = scancodeASCIIShift[code]
	} else {
		c = scancodeASCII[code]
	}
	if c != 0 {
		d.pushByte(c)
	}
}

func (d *Driver) pushByte(c byte) {
	next := (d.kbHead + 1) % uint32(len(d.kbBuf))
	if next == d.kbTail {
		return // buffer full, drop
	}
	d.kbBuf[d.kbHead] = c
	d.kbHead = next
}

// ReadByte implements svc.Keyboard: it returns the next buffered
// keyboard byte, or ok=false if none is waiting.
func (d *Driver) ReadByte() (byte, bool) {
	if d.kbHead == d.kbTail {
		return 0, false
	}
	c := d.kbBuf[d.kbTail]
	d.kbTail = (d.kbTail + 1) % uint32(len(d.kbBuf))
	return c, true
}

// RegisterIRQ wires this driver's drain loop to irqID via the GIC and
// enables the line.
func RegisterIRQ(irqID uint32, d *Driver) {
	gic.RegisterHandler(irqID, d.HandleIRQ)
	gic.Enable(irqID)
}

// scancodeASCII and scancodeASCIIShift are the US-layout tables from
// keyboard.c's scancode_to_ascii/scancode_to_ascii_shift.
var scancodeASCII = [128]byte{
	2: '1', 3: '2', 4: '3', 5: '4', 6: '5', 7: '6',
	8: '7', 9: '8', 10: '9', 11: '0', 12: '-', 13: '=', 14: '\b', 15: '\t',
	16: 'q', 17: 'w', 18: 'e', 19: 'r', 20: 't', 21: 'y', 22: 'u', 23: 'i',
	24: 'o', 25: 'p', 26: '[', 27: ']', 28: '\n', 30: 'a', 31: 's',
	32: 'd', 33: 'f', 34: 'g', 35: 'h', 36: 'j', 37: 'k', 38: 'l', 39: ';',
	40: '\'', 41: '`', 43: '\\', 44: 'z', 45: 'x', 46: 'c', 47: 'v',
	48: 'b', 49: 'n', 50: 'm', 51: ',', 52: '.', 53: '/', 55: '*',
	57: ' ',
}

var scancodeASCIIShift = [128]byte{
	2: '!', 3: '@', 4: '#', 5: '$', 6: '%', 7: '^',
	8: '&', 9: '*', 10: '(', 11: ')', 12: '_', 13: '+', 14: '\b', 15: '\t',
	16: 'Q', 17: 'W', 18: 'E', 19: 'R', 20: 'T', 21: 'Y', 22: 'U', 23: 'I',
	24: 'O', 25: 'P', 26: '{', 27: '}', 28: '\n', 30: 'A', 31: 'S',
	32: 'D', 33: 'F', 34: 'G', 35: 'H', 36: 'J', 37: 'K', 38: 'L', 39: ':',
	40: '"', 41: '~', 43: '|', 44: 'Z', 45: 'X', 46: 'C', 47: 'V',
	48: 'B', 49: 'N', 50: 'M', 51: '<', 52: '>', 53: '?', 55: '*',
	57: ' ',
}
