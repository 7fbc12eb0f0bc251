package fsiface

import (
	"encoding/binary"
	"strings"
)

// DiskFS is the minimal read-only filesystem this core actually walks:
// a fixed directory table in block 0 (name, inode, starting block,
// byte length, one record per file) followed by each file's contents
// in its own run of contiguous blocks. Parsing an on-disk format richer
// than this — directories, permissions, extents, journaling — is the
// filesystem driver work spec.md §1 draws the line at ("beyond
// find_inode/read_inode"); DiskFS implements exactly those two
// operations and nothing past them.
type DiskFS struct {
	cache *BufferCache
}

// NewDiskFS builds a DiskFS reading through a small buffer cache in
// front of dev.
func NewDiskFS(dev BlockDevice) *DiskFS {
	return &DiskFS{cache: NewBufferCache(dev, 16)}
}

const (
	dirNameSize   = 28
	dirEntrySize  = dirNameSize + 4 + 8 + 8 // name, inode, start block, length
	dirEntryCount = BlockSize / dirEntrySize
)

// dirEntry is one decoded directory table record. An inode of 0 marks
// the end of the table.
type dirEntry struct {
	name       string
	inode      uint32
	startBlock uint64
	length     uint64
}

func decodeDirEntry(rec []byte) dirEntry {
	name := string(rec[:dirNameSize])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return dirEntry{
		name:       name,
		inode:      binary.LittleEndian.Uint32(rec[dirNameSize : dirNameSize+4]),
		startBlock: binary.LittleEndian.Uint64(rec[dirNameSize+4 : dirNameSize+12]),
		length:     binary.LittleEndian.Uint64(rec[dirNameSize+12 : dirNameSize+20]),
	}
}

// forEachEntry decodes block 0's directory table and calls fn for each
// record until fn returns false, the table is exhausted, or an
// inode-0 terminator record is reached.
func (d *DiskFS) forEachEntry(fn func(dirEntry) bool) error {
	e, err := d.cache.Get(0)
	if err != nil {
		return err
	}
	defer d.cache.Put(e)

	for i := 0; i < dirEntryCount; i++ {
		rec := e.data[i*dirEntrySize : (i+1)*dirEntrySize]
		entry := decodeDirEntry(rec)
		if entry.inode == 0 {
			break
		}
		if !fn(entry) {
			break
		}
	}
	return nil
}

// FindInode resolves path to the inode number of the matching
// directory-table record.
func (d *DiskFS) FindInode(path string) (uint32, error) {
	var found uint32
	err := d.forEachEntry(func(e dirEntry) bool {
		if e.name == path {
			found = e.inode
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, ErrNotFound
	}
	return found, nil
}

func (d *DiskFS) locate(inode uint32) (startBlock, length uint64, err error) {
	found := false
	err = d.forEachEntry(func(e dirEntry) bool {
		if e.inode == inode {
			startBlock, length = e.startBlock, e.length
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, ErrNotFound
	}
	return startBlock, length, nil
}

// ReadInode reads length bytes starting at byteOffset from inode's data
// run into out, reading past the file's recorded length as zeroes.
func (d *DiskFS) ReadInode(inode uint32, byteOffset int64, out []byte) (int, error) {
	startBlock, length, err := d.locate(inode)
	if err != nil {
		return 0, err
	}

	n := 0
	for n < len(out) {
		off := byteOffset + int64(n)
		if off < 0 || off >= int64(length) {
			for ; n < len(out); n++ {
				out[n] = 0
			}
			break
		}

		block := startBlock + uint64(off)/BlockSize
		within := int(uint64(off) % BlockSize)
		avail := BlockSize - within
		if remaining := int64(length) - off; int64(avail) > remaining {
			avail = int(remaining)
		}
		if want := len(out) - n; avail > want {
			avail = want
		}

		e, err := d.cache.Get(block)
		if err != nil {
			return n, err
		}
		copy(out[n:n+avail], e.data[within:within+avail])
		d.cache.Put(e)
		n += avail
	}
	return n, nil
}
