package fsiface

import "testing"

func TestMemFSFindInodeRoundTrips(t *testing.T) {
	fs := NewMemFS(map[string][]byte{"/init": []byte("hello")})

	ino, err := fs.FindInode("/init")
	if err != nil {
		t.Fatalf("FindInode() error = %v", err)
	}

	buf := make([]byte, 5)
	n, err := fs.ReadInode(ino, 0, buf)
	if err != nil {
		t.Fatalf("ReadInode() error = %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Errorf("ReadInode() = %q, n=%d, want %q, n=5", buf, n, "hello")
	}
}

func TestMemFSFindInodeMissing(t *testing.T) {
	fs := NewMemFS(nil)
	if _, err := fs.FindInode("/nope"); err != ErrNotFound {
		t.Errorf("FindInode() error = %v, want ErrNotFound", err)
	}
}

func TestMemFSReadInodePastEndReadsZero(t *testing.T) {
	fs := NewMemFS(map[string][]byte{"/x": []byte("ab")})
	ino, _ := fs.FindInode("/x")

	buf := make([]byte, 4)
	n, err := fs.ReadInode(ino, 0, buf)
	if err != nil {
		t.Fatalf("ReadInode() error = %v", err)
	}
	if n != 4 {
		t.Errorf("ReadInode() n = %d, want 4", n)
	}
	want := []byte{'a', 'b', 0, 0}
	for i, b := range want {
		if buf[i] != b {
			t.Errorf("buf[%d] = %d, want %d", i, buf[i], b)
		}
	}
}

func TestMemFSReadInodeAtOffset(t *testing.T) {
	fs := NewMemFS(map[string][]byte{"/x": []byte("abcdef")})
	ino, _ := fs.FindInode("/x")

	buf := make([]byte, 3)
	if _, err := fs.ReadInode(ino, 2, buf); err != nil {
		t.Fatalf("ReadInode() error = %v", err)
	}
	if string(buf) != "cde" {
		t.Errorf("ReadInode() = %q, want %q", buf, "cde")
	}
}

type fakeBlockDevice struct {
	blocks map[uint64][BlockSize]byte
	reads  int
	writes int
}

func newFakeBlockDevice() *fakeBlockDevice {
	return &fakeBlockDevice{blocks: make(map[uint64][BlockSize]byte)}
}

func (d *fakeBlockDevice) ReadBlock(block uint64, out []byte) error {
	d.reads++
	b := d.blocks[block]
	copy(out, b[:])
	return nil
}

func (d *fakeBlockDevice) WriteBlock(block uint64, data []byte) error {
	d.writes++
	var b [BlockSize]byte
	copy(b[:], data)
	d.blocks[block] = b
	return nil
}

func TestBufferCacheHitAvoidsSecondRead(t *testing.T) {
	dev := newFakeBlockDevice()
	c := NewBufferCache(dev, 4)

	e1, err := c.Get(7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c.Put(e1)

	e2, err := c.Get(7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c.Put(e2)

	if dev.reads != 1 {
		t.Errorf("device reads = %d, want 1 (second Get should hit cache)", dev.reads)
	}
	if e1 != e2 {
		t.Errorf("Get() returned different entries for the same block")
	}
}

func TestBufferCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dev := newFakeBlockDevice()
	c := NewBufferCache(dev, 2)

	e0, _ := c.Get(0)
	c.Put(e0)
	e1, _ := c.Get(1)
	c.Put(e1)
	// touch 0 again so 1 becomes the LRU victim
	e0b, _ := c.Get(0)
	c.Put(e0b)

	if _, err := c.Get(2); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if _, ok := c.byBlock[1]; ok {
		t.Errorf("block 1 should have been evicted as least-recently-used")
	}
	if _, ok := c.byBlock[0]; !ok {
		t.Errorf("block 0 should still be cached (recently touched)")
	}
}

func TestBufferCacheSyncWritesBackDirtyBlocks(t *testing.T) {
	dev := newFakeBlockDevice()
	c := NewBufferCache(dev, 4)

	e, _ := c.Get(3)
	c.MarkDirty(e)
	c.Put(e)

	c.Sync()

	if dev.writes != 1 {
		t.Errorf("device writes = %d, want 1", dev.writes)
	}
}

func TestBufferCacheDoesNotEvictReferencedBlock(t *testing.T) {
	dev := newFakeBlockDevice()
	c := NewBufferCache(dev, 1)

	held, _ := c.Get(0) // refCount stays 1, never Put
	_ = held

	if _, err := c.Get(1); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if _, ok := c.byBlock[0]; !ok {
		t.Errorf("referenced block 0 should not have been evicted")
	}
}
