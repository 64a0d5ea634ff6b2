package cellfs

import (
	"encoding/binary"

	"github.com/fortiblox/cellrt/pkg/vm"
)

// handleSize is the heap record behind each handle: | refs u64 | size u64 |.
const handleSize = 16

// Handle is an open file. Content aliases the filesystem's data region.
type Handle struct {
	fs  *FS
	rec vm.Ptr

	Name    string
	Content []byte
}

// Size returns the content length.
func (h *Handle) Size() int {
	return len(h.Content)
}

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	if h.rec == 0 {
		return 0
	}
	return int(binary.LittleEndian.Uint64(h.fs.alloc.Bytes(h.rec, 8)))
}

func (h *Handle) setRefs(n int) {
	rec := h.fs.alloc.Bytes(h.rec, handleSize)
	binary.LittleEndian.PutUint64(rec, uint64(n))
	binary.LittleEndian.PutUint64(rec[8:], uint64(len(h.Content)))
}

// Retain adds a reference.
func (h *Handle) Retain() error {
	if h.rec == 0 {
		return ErrClosed
	}
	h.setRefs(h.Refs() + 1)
	return nil
}

// Release drops a reference, freeing the handle when none remain.
func (h *Handle) Release() error {
	if h.rec == 0 {
		return ErrClosed
	}
	n := h.Refs() - 1
	if n > 0 {
		h.setRefs(n)
		return nil
	}
	rec := h.rec
	h.rec = 0
	h.Content = nil
	h.fs.open--
	return h.fs.alloc.Free(rec)
}
