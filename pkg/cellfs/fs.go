package cellfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/cellrt/pkg/vm"
)

// Allocator is the guest heap as seen by the filesystem.
type Allocator interface {
	Alloc(n uint64) (vm.Ptr, error)
	Free(p vm.Ptr) error
	Bytes(p vm.Ptr, n uint64) []byte
}

// FS is a mounted filesystem. Its directory lives on the guest heap; file
// contents alias the blob it was loaded from, which must stay valid and
// unmodified for as long as the FS or any of its handles are in use.
type FS struct {
	alloc Allocator
	dir   vm.Ptr
	count uint32
	data  []byte

	open   int
	closed bool
}

// Load parses blob. The directory is copied to the heap; the data region
// is borrowed from blob.
func Load(a Allocator, blob []byte) (*FS, error) {
	if len(blob) < CountSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrEncoding, len(blob), CountSize)
	}
	count := uint64(binary.LittleEndian.Uint32(blob))
	dirEnd := CountSize + EntrySize*count
	if dirEnd > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: %d entries do not fit in %d bytes", ErrEncoding, count, len(blob))
	}
	fs := &FS{alloc: a, count: uint32(count), data: blob[dirEnd:]}

	raw := blob[CountSize:dirEnd]
	for i := uint64(0); i < count; i++ {
		if err := fs.validate(readEntry(raw[i*EntrySize:])); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	if count > 0 {
		p, err := a.Alloc(uint64(len(raw)))
		if err != nil {
			return nil, err
		}
		copy(a.Bytes(p, uint64(len(raw))), raw)
		fs.dir = p
	}
	return fs, nil
}

// validate checks that an entry's spans lie inside the data region and that
// its name is terminated.
func (fs *FS) validate(e entry) error {
	size := uint64(len(fs.data))
	if e.nameLen == 0 || uint64(e.nameOff)+uint64(e.nameLen) > size {
		return fmt.Errorf("%w: name span [%d, +%d) outside data region of %d bytes", ErrEncoding, e.nameOff, e.nameLen, size)
	}
	if uint64(e.contentOff)+uint64(e.contentLen) > size {
		return fmt.Errorf("%w: content span [%d, +%d) outside data region of %d bytes", ErrEncoding, e.contentOff, e.contentLen, size)
	}
	if bytes.IndexByte(fs.data[e.nameOff:e.nameOff+e.nameLen], 0) < 0 {
		return fmt.Errorf("%w: unterminated name at %d", ErrEncoding, e.nameOff)
	}
	return nil
}

// Len returns the number of files.
func (fs *FS) Len() int {
	return int(fs.count)
}

func (fs *FS) entry(i int) entry {
	return readEntry(fs.alloc.Bytes(fs.dir+uint64(i)*EntrySize, EntrySize))
}

func (fs *FS) name(e entry) []byte {
	n := fs.data[e.nameOff : e.nameOff+e.nameLen]
	return n[:bytes.IndexByte(n, 0)]
}

// Names returns the file names in directory order.
func (fs *FS) Names() []string {
	names := make([]string, fs.count)
	for i := range names {
		names[i] = string(fs.name(fs.entry(i)))
	}
	return names
}

// Open returns a handle to the first file named name. The handle aliases
// the file's content and starts with one reference.
func (fs *FS) Open(name string) (*Handle, error) {
	if fs.closed {
		return nil, ErrClosed
	}
	for i := 0; i < int(fs.count); i++ {
		e := fs.entry(i)
		if string(fs.name(e)) != name {
			continue
		}
		rec, err := fs.alloc.Alloc(handleSize)
		if err != nil {
			return nil, err
		}
		h := &Handle{fs: fs, rec: rec, Name: name, Content: fs.data[e.contentOff : e.contentOff+e.contentLen : e.contentOff+e.contentLen]}
		h.setRefs(1)
		fs.open++
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Outstanding returns the number of handles not yet released.
func (fs *FS) Outstanding() int {
	return fs.open
}

// Close releases the directory. Handles still open must not be used.
func (fs *FS) Close() error {
	if fs.closed {
		return ErrClosed
	}
	fs.closed = true
	return fs.alloc.Free(fs.dir)
}
