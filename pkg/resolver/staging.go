package resolver

import (
	"fmt"

	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/vm"
)

// DefaultStagingCapacity is the size of the buffer code is staged into.
const DefaultStagingCapacity = 1024 * 1024

// Staging is a page-aligned, fixed-capacity region of guest memory that
// cell contents are copied into before they run.
type Staging struct {
	Ptr vm.Ptr
	Cap uint64

	mem *vm.Memory
}

// NewStaging allocates a staging buffer of capacity bytes from h, aligned
// to pageSize.
func NewStaging(h *heap.Heap, capacity, pageSize uint64) (*Staging, error) {
	if capacity == 0 || capacity%pageSize != 0 {
		return nil, fmt.Errorf("%w: staging capacity %d is not a multiple of %d", ErrInvalidArgument, capacity, pageSize)
	}
	p, err := h.AllocAligned(pageSize, capacity)
	if err != nil {
		return nil, fmt.Errorf("staging buffer: %w", err)
	}
	return &Staging{Ptr: p, Cap: capacity, mem: h.Memory()}, nil
}

// Bytes returns the whole buffer.
func (s *Staging) Bytes() []byte {
	return s.mem.Slice(s.Ptr, s.Cap)
}
