// Package syscall wraps the host's variable-length load primitives with a
// uniform probe, allocate and fetch discipline.
//
// The host cannot grow a buffer, so every read of unknown size is done in
// two steps: a probe with no buffer to learn the length, then a fetch into
// a buffer taken from the guest heap. Callers own the returned buffer and
// must Release it.
package syscall

import (
	"errors"
	"fmt"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/host"
	"github.com/fortiblox/cellrt/pkg/vm"
)

var (
	// ErrOutOfMemory is returned when the result buffer cannot be allocated.
	// It is never a host status.
	ErrOutOfMemory = errors.New("syscall: out of memory")

	// ErrItemMissing matches a HostError carrying host.ItemMissing.
	ErrItemMissing = &HostError{Status: host.ItemMissing}

	// ErrIndexOutOfBound matches a HostError carrying host.IndexOutOfBound.
	ErrIndexOutOfBound = &HostError{Status: host.IndexOutOfBound}
)

// HostError carries a non-zero host status unchanged.
type HostError struct {
	Status host.Status
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host status %d (%s)", uint64(e.Status), e.Status)
}

// Is reports whether target is a HostError with the same status.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	return ok && t.Status == e.Status
}

// Primitive shapes, by the fixed arguments following (buffer, offset).
type (
	Load1Func func(buf []byte, offset uint64) (uint64, host.Status)
	Load3Func func(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status)
	Load4Func func(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, host.Status)
)

// Call is one primitive bound to its fixed arguments. The set of
// implementations is closed: Call1, Call3 and Call4.
type Call interface {
	call()
}

// Call1 binds a primitive taking only an offset.
type Call1 struct {
	Fn     Load1Func
	Offset uint64
}

// Call3 binds a primitive addressing an item of a source class.
type Call3 struct {
	Fn     Load3Func
	Offset uint64
	Index  uint64
	Source types.Source
}

// Call4 binds a primitive addressing a field of an item.
type Call4 struct {
	Fn     Load4Func
	Offset uint64
	Index  uint64
	Source types.Source
	Field  uint64
}

func (Call1) call() {}
func (Call3) call() {}
func (Call4) call() {}

// invoke dispatches on the call's shape.
func invoke(c Call, buf []byte) (uint64, host.Status) {
	switch c := c.(type) {
	case Call1:
		return c.Fn(buf, c.Offset)
	case Call3:
		return c.Fn(buf, c.Offset, c.Index, c.Source)
	case Call4:
		return c.Fn(buf, c.Offset, c.Index, c.Source, c.Field)
	default:
		panic(fmt.Sprintf("syscall: unknown call shape %T", c))
	}
}

// Request is one fetch. A nil Length asks the host for the size first;
// a Length of zero only probes.
type Request struct {
	Call   Call
	Length *uint64
}

// Length returns a pointer to n for use in a Request.
func Length(n uint64) *uint64 {
	return &n
}

// Result is the outcome of a fetch. Ptr is zero when no buffer was
// allocated: for a probe, and for a present but empty item.
type Result struct {
	Ptr    vm.Ptr
	Data   []byte
	Length uint64
}

// Client runs requests against the host, allocating from the guest heap.
type Client struct {
	heap *heap.Heap
}

// NewClient creates a client that allocates result buffers from h.
func NewClient(h *heap.Heap) *Client {
	return &Client{heap: h}
}

// Fetch runs req.
//
// A probe returns the item's length with no buffer. Otherwise the buffer
// is allocated from the heap, filled by the host, and its length clamped
// to what the host reported. On a host failure the buffer is released and
// the status returned as a *HostError.
func (c *Client) Fetch(req Request) (Result, error) {
	var size uint64
	if req.Length != nil {
		size = *req.Length
		if size == 0 {
			n, st := invoke(req.Call, nil)
			if st != host.Success {
				return Result{}, &HostError{Status: st}
			}
			return Result{Length: n}, nil
		}
	} else {
		n, st := invoke(req.Call, nil)
		if st != host.Success {
			return Result{}, &HostError{Status: st}
		}
		if n == 0 {
			return Result{}, nil
		}
		size = n
	}

	p, err := c.heap.Alloc(size)
	if err != nil {
		if errors.Is(err, heap.ErrOutOfMemory) {
			return Result{}, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
		}
		return Result{}, err
	}
	buf := c.heap.Bytes(p, size)

	n, st := invoke(req.Call, buf)
	if st != host.Success {
		// The buffer came from this heap, so Free cannot fail.
		_ = c.heap.Free(p)
		return Result{}, &HostError{Status: st}
	}
	if n == 0 {
		_ = c.heap.Free(p)
		return Result{}, nil
	}
	if n < size {
		size = n
	}
	return Result{Ptr: p, Data: buf[:size:size], Length: size}, nil
}

// Release frees a result's buffer. Releasing an empty result is a no-op.
func (c *Client) Release(r Result) error {
	return c.heap.Free(r.Ptr)
}

// FetchInto fills buf, which the caller owns, and returns the full length
// the host reported.
func (c *Client) FetchInto(call Call, buf []byte) (uint64, error) {
	n, st := invoke(call, buf)
	if st != host.Success {
		return n, &HostError{Status: st}
	}
	return n, nil
}
