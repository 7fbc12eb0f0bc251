// Package fsiface is the read-only filesystem contract the ELF loader
// consumes, grounded on the external-filesystem boundary drawn at the
// loader's doorstep, together with two implementations: DiskFS, a flat
// directory table read through a block BufferCache, and MemFS, an
// in-memory filesystem. No inode tables or nested directories are
// parsed here.
package fsiface

import "errors"

// ErrNotFound is returned by FindInode when no inode matches path.
var ErrNotFound = errors.New("fsiface: path not found")

// Filesystem is the minimal read-only surface the ELF loader needs.
// Paths are "/"-prefixed single-component names in the current core.
type Filesystem interface {
	// FindInode resolves path to an inode number.
	FindInode(path string) (uint32, error)

	// ReadInode reads length bytes starting at byteOffset into out,
	// returning the number of bytes actually read. Offsets past the
	// inode's extent, and holes within it, read as zeroes.
	ReadInode(inode uint32, byteOffset int64, out []byte) (int, error)
}
