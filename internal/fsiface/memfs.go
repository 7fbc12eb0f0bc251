package fsiface

// MemFS is an in-memory Filesystem backed by named byte blobs, used by
// tests that need a Filesystem without real disk I/O.
type MemFS struct {
	files  map[string][]byte
	inodes map[uint32]string
	next   uint32
}

// NewMemFS builds a MemFS populated from name -> contents.
func NewMemFS(files map[string][]byte) *MemFS {
	m := &MemFS{
		files:  make(map[string][]byte, len(files)),
		inodes: make(map[uint32]string, len(files)),
	}
	for name, data := range files {
		m.files[name] = data
		m.next++
		m.inodes[m.next] = name
	}
	return m
}

func (m *MemFS) FindInode(path string) (uint32, error) {
	for ino, name := range m.inodes {
		if name == path {
			return ino, nil
		}
	}
	return 0, ErrNotFound
}

// ReadInode reads into out from byteOffset, treating any range past the
// stored blob's length as a hole that reads as zero.
func (m *MemFS) ReadInode(inode uint32, byteOffset int64, out []byte) (int, error) {
	name, ok := m.inodes[inode]
	if !ok {
		return 0, ErrNotFound
	}
	data := m.files[name]

	n := 0
	for n < len(out) {
		off := byteOffset + int64(n)
		if off < int64(len(data)) {
			out[n] = data[off]
		} else {
			out[n] = 0
		}
		n++
	}
	return n, nil
}
