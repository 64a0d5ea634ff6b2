// Package cellfs packs several named files into one blob that a single cell
// can carry, and reads files back out of such a blob without copying them.
//
// Blob layout, all integers little-endian u32:
//
//	| count | count * entry | data region |
//	entry: | name_offset | name_length | content_offset | content_length |
//
// Offsets are relative to the start of the data region. Names are stored
// NUL-terminated and name_length includes the terminator.
package cellfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Layout sizes.
const (
	CountSize = 4
	EntrySize = 16
)

var (
	// ErrEncoding indicates a blob that cannot be parsed.
	ErrEncoding = errors.New("cellfs: malformed filesystem")

	// ErrShortBuffer indicates an output buffer too small for Serialize.
	ErrShortBuffer = errors.New("cellfs: buffer too small")

	// ErrTooLarge indicates a filesystem that does not fit 32-bit offsets.
	ErrTooLarge = errors.New("cellfs: filesystem too large")

	// ErrNotFound indicates no file of that name.
	ErrNotFound = errors.New("cellfs: file not found")

	// ErrNoFilesystem indicates a lookup before anything was mounted.
	ErrNoFilesystem = errors.New("cellfs: no filesystem mounted")

	// ErrClosed indicates use of a closed filesystem or released handle.
	ErrClosed = errors.New("cellfs: closed")
)

// File is one named byte blob.
type File struct {
	Name    string
	Content []byte
}

// entry is one directory entry.
type entry struct {
	nameOff, nameLen       uint32
	contentOff, contentLen uint32
}

func (e entry) put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.nameOff)
	binary.LittleEndian.PutUint32(b[4:], e.nameLen)
	binary.LittleEndian.PutUint32(b[8:], e.contentOff)
	binary.LittleEndian.PutUint32(b[12:], e.contentLen)
}

func readEntry(b []byte) entry {
	return entry{
		nameOff:    binary.LittleEndian.Uint32(b[0:]),
		nameLen:    binary.LittleEndian.Uint32(b[4:]),
		contentOff: binary.LittleEndian.Uint32(b[8:]),
		contentLen: binary.LittleEndian.Uint32(b[12:]),
	}
}

// Size returns the exact blob size for files.
func Size(files []File) (int, error) {
	n := uint64(CountSize) + uint64(EntrySize)*uint64(len(files))
	for _, f := range files {
		n += uint64(len(f.Name)) + 1 + uint64(len(f.Content))
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	return int(n), nil
}

// Serialize packs files into buf. With a nil buf it only returns the size
// the blob needs; otherwise buf must be at least that large and the number
// of bytes written is returned.
func Serialize(files []File, buf []byte) (int, error) {
	size, err := Size(files)
	if err != nil {
		return 0, err
	}
	if buf == nil {
		return size, nil
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, size, len(buf))
	}

	binary.LittleEndian.PutUint32(buf, uint32(len(files)))
	dir := buf[CountSize : CountSize+EntrySize*len(files)]
	data := buf[CountSize+EntrySize*len(files) : size]
	off := 0
	for i, f := range files {
		e := entry{nameOff: uint32(off), nameLen: uint32(len(f.Name) + 1)}
		off += copy(data[off:], f.Name)
		data[off] = 0
		off++

		e.contentOff, e.contentLen = uint32(off), uint32(len(f.Content))
		off += copy(data[off:], f.Content)
		e.put(dir[i*EntrySize:])
	}
	return size, nil
}

// Pack returns the serialized blob for files.
func Pack(files []File) ([]byte, error) {
	size, err := Serialize(files, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := Serialize(files, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
