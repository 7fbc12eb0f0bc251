package fsiface

import (
	"container/list"
	"sync"
)

// BlockSize is the cache's unit of transfer; one cache block covers
// SectorsPerBlock device sectors.
const BlockSize = 4096

// BlockDevice is the minimal surface the buffer cache needs from a block
// driver: read and write exactly one BlockSize-sized block.
type BlockDevice interface {
	ReadBlock(block uint64, out []byte) error
	WriteBlock(block uint64, data []byte) error
}

// bufEntry is one cached block, grounded on buffer.c's struct
// block_buffer: data page, dirty/up-to-date flags, reference count.
type bufEntry struct {
	block    uint64
	data     [BlockSize]byte
	uptodate bool
	dirty    bool
	refCount int
	elem     *list.Element
}

// BufferCache is a block-number-keyed cache in front of a BlockDevice,
// with least-recently-used eviction. It sits in front of the raw block
// driver, not in front of Filesystem; DiskFS reads every directory and
// data block through one, so the loader's reads pass through it.
type BufferCache struct {
	mu       sync.Mutex
	dev      BlockDevice
	capacity int
	byBlock  map[uint64]*bufEntry
	lru      *list.List // front = most recently used
}

// NewBufferCache creates a cache that evicts unreferenced blocks to stay
// within capacity. Referenced blocks are never evicted, so the cache
// holds more than capacity blocks while every cached block is in use.
func NewBufferCache(dev BlockDevice, capacity int) *BufferCache {
	return &BufferCache{
		dev:      dev,
		capacity: capacity,
		byBlock:  make(map[uint64]*bufEntry),
		lru:      list.New(),
	}
}

// Get returns the cached contents of block, reading through to the
// device on a miss, and bumps its reference count. Callers must call
// Put when done.
func (c *BufferCache) Get(block uint64) (*bufEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byBlock[block]; ok {
		c.lru.MoveToFront(e.elem)
		e.refCount++
		return e, nil
	}

	e := &bufEntry{block: block}
	if err := c.dev.ReadBlock(block, e.data[:]); err != nil {
		return nil, err
	}
	e.uptodate = true
	e.refCount = 1

	c.evictIfFull()

	e.elem = c.lru.PushFront(e)
	c.byBlock[block] = e
	return e, nil
}

// Put releases a reference taken by Get.
func (c *BufferCache) Put(e *bufEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refCount > 0 {
		e.refCount--
	}
}

// MarkDirty flags a cached block for write-out on eviction or Sync.
func (c *BufferCache) MarkDirty(e *bufEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.dirty = true
}

// evictIfFull drops the least-recently-used unreferenced block, writing
// it back first if dirty. Writes are never implemented at the inode
// layer in this core (spec non-goal), but a block dirtied in cache —
// e.g. by a future writable path — is still written out honestly here.
func (c *BufferCache) evictIfFull() {
	if len(c.byBlock) < c.capacity {
		return
	}
	for back := c.lru.Back(); back != nil; back = back.Prev() {
		victim := back.Value.(*bufEntry)
		if victim.refCount > 0 {
			continue
		}
		if victim.dirty {
			c.dev.WriteBlock(victim.block, victim.data[:])
		}
		c.lru.Remove(victim.elem)
		delete(c.byBlock, victim.block)
		return
	}
}

// Sync writes back every dirty, currently-cached block.
func (c *BufferCache) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*bufEntry)
		if buf.dirty {
			c.dev.WriteBlock(buf.block, buf.data[:])
			buf.dirty = false
		}
	}
}
