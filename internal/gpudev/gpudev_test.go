package gpudev

import (
	"encoding/binary"
	"testing"
)

// fakeQueue lets a test script the two-descriptor request/response
// pattern every gpudev command uses. Tests write the scripted response
// directly into the Driver's own respBuf from onWaitUsed, since that is
// the exact backing storage the response descriptor's address points
// at — no need to reconstruct a pointer from the recorded address.
type fakeQueue struct {
	descs      []fakeDesc
	submitted  []uint16
	notified   int
	freed      []uint16
	onWaitUsed func(q *fakeQueue)
}

type fakeDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *fakeQueue) AddDesc(addr uint64, length uint32, flags uint16, next uint16) (uint16, error) {
	idx := uint16(len(q.descs))
	q.descs = append(q.descs, fakeDesc{addr, length, flags, next})
	return idx, nil
}

func (q *fakeQueue) Submit(headIdx uint16)    { q.submitted = append(q.submitted, headIdx) }
func (q *fakeQueue) Notify()                  { q.notified++ }
func (q *fakeQueue) FreeChain(headIdx uint16) { q.freed = append(q.freed, headIdx) }
func (q *fakeQueue) WaitUsed() (uint32, uint32) {
	if q.onWaitUsed != nil {
		q.onWaitUsed(q)
	}
	return 0, 0
}

func respondOK(b []byte) { binary.LittleEndian.PutUint32(b[0:4], respOKNoData) }

func newTestDriver(q virtQueue) *Driver {
	return &Driver{q: q, resourceID: 1}
}

func TestGetDisplayInfoParsesFirstScanout(t *testing.T) {
	d := newTestDriver(nil)
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) {
		resp := d.respBuf[:displayRespLen]
		binary.LittleEndian.PutUint32(resp[0:4], respOKDisplayInfo)
		off := ctrlHdrSize
		binary.LittleEndian.PutUint32(resp[off:off+4], 0)
		binary.LittleEndian.PutUint32(resp[off+4:off+8], 0)
		binary.LittleEndian.PutUint32(resp[off+8:off+12], 1024)
		binary.LittleEndian.PutUint32(resp[off+12:off+16], 768)
		binary.LittleEndian.PutUint32(resp[off+16:off+20], 1) // enabled
	}}
	d.q = q

	mode, err := d.getDisplayInfo()
	if err != nil {
		t.Fatalf("getDisplayInfo() error = %v", err)
	}
	if mode.Width != 1024 || mode.Height != 768 || !mode.Enabled {
		t.Errorf("mode = %+v, want 1024x768 enabled", mode)
	}
}

func TestGetDisplayInfoRejectsErrorResponse(t *testing.T) {
	d := newTestDriver(nil)
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) {
		binary.LittleEndian.PutUint32(d.respBuf[0:4], 0x1200) // RESP_ERR_UNSPEC
	}}
	d.q = q

	if _, err := d.getDisplayInfo(); err != ErrDisplayInfoFailed {
		t.Errorf("getDisplayInfo() error = %v, want ErrDisplayInfoFailed", err)
	}
}

func TestSetupFramebufferIssuesCreateAttachScanoutInOrder(t *testing.T) {
	d := newTestDriver(nil)
	var seenTypes []uint32
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) {
		seenTypes = append(seenTypes, binary.LittleEndian.Uint32(d.cmdBuf[0:4]))
		respondOK(d.respBuf[:])
	}}
	d.q = q

	backing := make([]byte, 800*600*4)
	if err := d.SetupFramebuffer(backing, 800, 600); err != nil {
		t.Fatalf("SetupFramebuffer() error = %v", err)
	}

	want := []uint32{cmdResourceCreate2D, cmdResourceAttachBack, cmdSetScanout}
	if len(seenTypes) != len(want) {
		t.Fatalf("issued %d commands, want %d", len(seenTypes), len(want))
	}
	for i, w := range want {
		if seenTypes[i] != w {
			t.Errorf("command %d = %#x, want %#x", i, seenTypes[i], w)
		}
	}
}

func TestFlushIssuesTransferThenResourceFlush(t *testing.T) {
	d := newTestDriver(nil)
	var seenTypes []uint32
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) {
		seenTypes = append(seenTypes, binary.LittleEndian.Uint32(d.cmdBuf[0:4]))
		respondOK(d.respBuf[:])
	}}
	d.q = q
	d.width, d.height = 800, 600

	if err := d.Flush(10, 20, 30, 40); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	want := []uint32{cmdTransferToHost2D, cmdResourceFlush}
	if len(seenTypes) != len(want) {
		t.Fatalf("issued %d commands, want %d", len(seenTypes), len(want))
	}
	for i, w := range want {
		if seenTypes[i] != w {
			t.Errorf("command %d = %#x, want %#x", i, seenTypes[i], w)
		}
	}
}

func TestTransferToHostComputesByteOffsetFromRect(t *testing.T) {
	d := newTestDriver(nil)
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) { respondOK(d.respBuf[:]) }}
	d.q = q
	d.width, d.height = 800, 600

	if err := d.transferToHost(5, 2, 10, 10); err != nil {
		t.Fatalf("transferToHost() error = %v", err)
	}

	offset := binary.LittleEndian.Uint64(d.cmdBuf[ctrlHdrSize+rectSize : ctrlHdrSize+rectSize+8])
	want := uint64(2)*uint64(800)*4 + uint64(5)*4
	if offset != want {
		t.Errorf("offset = %d, want %d", offset, want)
	}
}

func TestSendExpectOKPropagatesErrorResponse(t *testing.T) {
	d := newTestDriver(nil)
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) {
		binary.LittleEndian.PutUint32(d.respBuf[0:4], 0x1201) // RESP_ERR_OUT_OF_MEMORY
	}}
	d.q = q

	if err := d.createResource2D(800, 600); err != ErrCommandFailed {
		t.Errorf("createResource2D() error = %v, want ErrCommandFailed", err)
	}
}

func TestSendFreesTheCommandDescriptorChain(t *testing.T) {
	d := newTestDriver(nil)
	q := &fakeQueue{onWaitUsed: func(q *fakeQueue) { respondOK(d.respBuf[:]) }}
	d.q = q

	if err := d.createResource2D(800, 600); err != nil {
		t.Fatalf("createResource2D() error = %v", err)
	}
	if len(q.freed) != 1 {
		t.Errorf("FreeChain called %d times, want 1", len(q.freed))
	}
	if q.notified != 1 {
		t.Errorf("Notify called %d times, want 1", q.notified)
	}
	if len(q.descs) != 2 {
		t.Errorf("built %d descriptors, want 2", len(q.descs))
	}
}
