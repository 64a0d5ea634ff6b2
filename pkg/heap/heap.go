// Package heap implements the bounded guest heap: malloc, free and realloc
// over one fixed range of guest memory, with no way to ask anyone for more.
//
// Chunks carry boundary tags in guest memory:
//
//	chunk: | psize u64 | csize u64 | payload ...
//
// Bit 0 of a size word marks the chunk in use; psize mirrors the previous
// chunk's csize so both neighbours can be found in O(1). Free chunks keep
// their list links in the first two payload words. A zero-sized, in-use
// fence header sits at the top of the heap and moves up as the heap grows.
//
// Free chunks are filed in a fixed number of size classes. A single uint64
// bitmask records which class lists are non-empty; bit i is set if and only
// if class i has a free chunk, and the list helpers update both together.
//
// The heap is configured either explicitly with Configure(start, end), or
// implicitly on first allocation by probing the program break and growing it
// up to the host ceiling.
package heap

import (
	"fmt"
	"math/bits"

	"github.com/fortiblox/cellrt/pkg/vm"
)

// Chunk geometry.
const (
	Align    = 16 // payload alignment
	Overhead = 16 // psize + csize
	MinChunk = 32 // header plus two list links

	inUse = uint64(1)
)

// Class count limits.
const (
	DefaultClasses = 64
	MaxClasses     = 64
	MinClasses     = 2
)

type mode uint8

const (
	modeUnset mode = iota
	modeExplicit
	modeImplicit
)

// Config holds allocator parameters.
type Config struct {
	// Classes is the number of size classes (2..64). Zero means DefaultClasses.
	Classes int

	// Ceiling caps the implicit heap below the memory's own ceiling.
	// Zero means use the memory ceiling.
	Ceiling uint64
}

// DefaultConfig returns the default allocator configuration.
func DefaultConfig() Config {
	return Config{Classes: DefaultClasses}
}

// Stats describes heap occupancy.
type Stats struct {
	Base       uint64
	Top        uint64
	Limit      uint64
	InUse      uint64
	Free       uint64
	FreeChunks int
	Allocs     uint64
	Frees      uint64
}

// Heap is the allocator state. It is not safe for concurrent use.
type Heap struct {
	mem     *vm.Memory
	cfg     Config
	classes classTable

	heads  []uint64 // free-list head per class, 0 when empty
	binmap uint64   // bit i set iff heads[i] != 0

	mode  mode
	base  uint64 // address of the first chunk
	top   uint64 // address of the fence header
	limit uint64 // heap end (top+Overhead) may not pass this

	allocs uint64
	frees  uint64
}

// New creates an unconfigured heap over mem.
func New(mem *vm.Memory, cfg Config) (*Heap, error) {
	if cfg.Classes == 0 {
		cfg.Classes = DefaultClasses
	}
	if cfg.Classes < MinClasses || cfg.Classes > MaxClasses {
		return nil, fmt.Errorf("%w: %d size classes", ErrInvalidConfig, cfg.Classes)
	}
	return &Heap{
		mem:     mem,
		cfg:     cfg,
		classes: newClassTable(cfg.Classes),
		heads:   make([]uint64, cfg.Classes),
	}, nil
}

// Memory returns the guest memory the heap manages.
func (h *Heap) Memory() *vm.Memory {
	return h.mem
}

// Configured reports whether the heap has a range yet.
func (h *Heap) Configured() bool {
	return h.mode != modeUnset
}

// Configure places the heap in [start, end). It must be called before the
// first allocation, and at most once.
func (h *Heap) Configure(start, end uint64) error {
	if h.mode != modeUnset {
		return ErrAlreadyConfigured
	}
	base := alignUp(start, Align)
	limit := end &^ (Align - 1)
	if start == 0 || end > h.mem.Size() || base >= limit || limit-base < Overhead+MinChunk {
		return fmt.Errorf("%w: [0x%x, 0x%x)", ErrInvalidRange, start, end)
	}
	h.mode = modeExplicit
	h.base = base
	h.limit = limit
	h.writeFence(base, inUse)
	return nil
}

// Reset discards all state so the heap can be configured again.
// The implicit heap's break is left where it is.
func (h *Heap) Reset() {
	for i := range h.heads {
		h.heads[i] = 0
	}
	h.binmap = 0
	h.mode = modeUnset
	h.base, h.top, h.limit = 0, 0, 0
	h.allocs, h.frees = 0, 0
}

// init probes the program break for the implicit heap.
func (h *Heap) init() error {
	if h.mode != modeUnset {
		return nil
	}
	brk := h.mem.Brk()
	base := alignUp(brk, Align)
	limit := h.mem.Ceiling()
	if h.cfg.Ceiling != 0 && h.cfg.Ceiling < limit {
		limit = h.cfg.Ceiling
	}
	limit &^= Align - 1
	if base+Overhead > limit {
		return ErrOutOfMemory
	}
	if _, err := h.mem.Sbrk(int64(base + Overhead - brk)); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	h.mode = modeImplicit
	h.base = base
	h.limit = limit
	h.writeFence(base, inUse)
	return nil
}

// Alloc returns a pointer to at least n usable bytes, or ErrOutOfMemory.
// Alloc(0) returns a unique minimum-sized block.
func (h *Heap) Alloc(n uint64) (vm.Ptr, error) {
	if err := h.init(); err != nil {
		return 0, err
	}
	need, ok := h.chunkSize(n)
	if !ok {
		return 0, ErrOutOfMemory
	}

	c := h.takeFree(need)
	if c == 0 {
		var err error
		if c, err = h.extend(need); err != nil {
			// The class below classFor may still hold a chunk that fits.
			if c = h.firstFit(h.classes.classOf(need), need); c == 0 {
				return 0, err
			}
		}
	}
	h.split(c, need)
	h.allocs++
	return c + Overhead, nil
}

// AllocAligned returns a block whose address is a multiple of align.
func (h *Heap) AllocAligned(align, n uint64) (vm.Ptr, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}
	if align <= Align {
		return h.Alloc(n)
	}
	if n > ^uint64(0)-align-MinChunk {
		return 0, ErrOutOfMemory
	}
	p, err := h.Alloc(n + align + MinChunk)
	if err != nil {
		return 0, err
	}
	c := p - Overhead
	need, _ := h.chunkSize(n)
	if vm.IsAligned(p, align) {
		h.split(c, need)
		return p, nil
	}

	size := h.size(c)
	q := alignUp(p+MinChunk, align)
	c2 := q - Overhead
	front := c2 - c
	h.setChunk(c2, size-front, true)
	h.setChunk(c, front, true)
	h.release(c)
	h.split(c2, need)
	return q, nil
}

// Free returns a block to the heap. Free(0) is a no-op.
func (h *Heap) Free(p vm.Ptr) error {
	if p == 0 {
		return nil
	}
	c, err := h.chunkOf(p)
	if err != nil {
		return err
	}
	h.release(c)
	h.frees++
	return nil
}

// Realloc resizes a block, in place when the neighbouring memory allows.
// Realloc(0, n) is Alloc(n); Realloc(p, 0) frees p and returns 0.
// On failure the original block is left untouched.
func (h *Heap) Realloc(p vm.Ptr, n uint64) (vm.Ptr, error) {
	if p == 0 {
		return h.Alloc(n)
	}
	if n == 0 {
		return 0, h.Free(p)
	}
	c, err := h.chunkOf(p)
	if err != nil {
		return 0, err
	}
	need, ok := h.chunkSize(n)
	if !ok {
		return 0, ErrOutOfMemory
	}

	size := h.size(c)
	if need <= size {
		h.split(c, need)
		return p, nil
	}

	next := c + size
	if next == h.top {
		if h.grow(need - size) {
			h.setChunk(c, need, true)
			h.writeFence(c+need, need|inUse)
			return p, nil
		}
	} else if !h.used(next) && size+h.size(next) >= need {
		h.unlink(next)
		h.setChunk(c, size+h.size(next), true)
		h.split(c, need)
		return p, nil
	}

	q, err := h.Alloc(n)
	if err != nil {
		return 0, err
	}
	old := size - Overhead
	if n < old {
		old = n
	}
	copy(h.mem.Slice(q, old), h.mem.Slice(p, old))
	if err := h.Free(p); err != nil {
		return 0, err
	}
	return q, nil
}

// Bytes returns the n bytes at p as a slice of guest memory.
func (h *Heap) Bytes(p vm.Ptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return h.mem.Slice(p, n)
}

// Usable returns the number of bytes usable at p.
func (h *Heap) Usable(p vm.Ptr) (uint64, error) {
	c, err := h.chunkOf(p)
	if err != nil {
		return 0, err
	}
	return h.size(c) - Overhead, nil
}

// Stats walks the heap and reports occupancy.
func (h *Heap) Stats() Stats {
	s := Stats{Base: h.base, Top: h.top, Limit: h.limit, Allocs: h.allocs, Frees: h.frees}
	if h.mode == modeUnset {
		return s
	}
	for c := h.base; c < h.top; c += h.size(c) {
		if h.used(c) {
			s.InUse += h.size(c)
		} else {
			s.Free += h.size(c)
			s.FreeChunks++
		}
	}
	return s
}

// Classes returns the number of size classes.
func (h *Heap) Classes() int {
	return h.classes.count()
}

// Binmap returns the non-empty class bitmask.
func (h *Heap) Binmap() uint64 {
	return h.binmap
}

// ClassEmpty reports whether the free list of class i is empty.
func (h *Heap) ClassEmpty(i int) bool {
	return h.heads[i] == 0
}

// chunkSize converts a request to a chunk size. It fails when the request
// cannot fit in the managed range at all.
func (h *Heap) chunkSize(n uint64) (uint64, bool) {
	if n > h.limit {
		return 0, false
	}
	need := alignUp(n+Overhead, Align)
	if need < MinChunk {
		need = MinChunk
	}
	return need, true
}

// chunkOf validates p as a live allocation and returns its chunk.
func (h *Heap) chunkOf(p vm.Ptr) (uint64, error) {
	if h.mode == modeUnset || p < h.base+Overhead || p >= h.top || !vm.IsAligned(p, Align) {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidPointer, p)
	}
	c := p - Overhead
	if !h.used(c) {
		return 0, fmt.Errorf("%w: 0x%x is not in use", ErrInvalidPointer, p)
	}
	size := h.size(c)
	if size < MinChunk || c+size > h.top {
		return 0, fmt.Errorf("%w: 0x%x has a damaged header", ErrCorrupt, p)
	}
	return c, nil
}

// takeFree pops the first fitting chunk from the smallest non-empty class
// able to satisfy need.
func (h *Heap) takeFree(need uint64) uint64 {
	i := h.classes.classFor(need)
	mask := h.binmap &^ (uint64(1)<<uint(i) - 1)
	for mask != 0 {
		j := bits.TrailingZeros64(mask)
		if c := h.firstFit(j, need); c != 0 {
			return c
		}
		mask &^= uint64(1) << uint(j)
	}
	return 0
}

// firstFit unlinks and returns the first chunk in class i of at least need bytes.
func (h *Heap) firstFit(i int, need uint64) uint64 {
	for c := h.heads[i]; c != 0; c = h.mem.Word(c + Overhead) {
		if h.size(c) >= need {
			h.unlink(c)
			h.setChunk(c, h.size(c), true)
			return c
		}
	}
	return 0
}

// extend grows the heap to produce an in-use chunk of need bytes at the top.
// A free chunk just below the fence is absorbed so only the deficit is taken.
func (h *Heap) extend(need uint64) (uint64, error) {
	c := h.top
	have := uint64(0)
	if !h.prevUsed(h.top) {
		c = h.top - h.prevSize(h.top)
		have = h.size(c)
	}
	if have < need && !h.grow(need-have) {
		return 0, ErrOutOfMemory
	}
	if have > 0 {
		h.unlink(c)
	}
	size := need
	if have > need {
		size = have
	}
	h.setChunk(c, size, true)
	h.writeFence(c+size, size|inUse)
	return c, nil
}

// grow makes n more bytes available above the fence.
func (h *Heap) grow(n uint64) bool {
	end := h.top + Overhead
	if n > h.limit || end+n > h.limit {
		return false
	}
	if h.mode == modeImplicit {
		if h.mem.Brk() != end {
			return false
		}
		if _, err := h.mem.Sbrk(int64(n)); err != nil {
			return false
		}
	}
	return true
}

// split trims an in-use chunk to need bytes, releasing a usable remainder.
func (h *Heap) split(c, need uint64) {
	size := h.size(c)
	if size-need < MinChunk {
		h.setChunk(c, size, true)
		return
	}
	h.setChunk(c, need, true)
	r := c + need
	h.setChunk(r, size-need, true)
	h.release(r)
}

// release frees an in-use chunk, coalescing with free neighbours.
func (h *Heap) release(c uint64) {
	size := h.size(c)
	next := c + size
	if !h.prevUsed(c) {
		prev := c - h.prevSize(c)
		h.unlink(prev)
		size += h.size(prev)
		c = prev
	}
	if !h.used(next) {
		h.unlink(next)
		size += h.size(next)
	}
	h.setChunk(c, size, false)
	h.link(c)
}

// link pushes a free chunk onto its class list and sets the class bit.
func (h *Heap) link(c uint64) {
	i := h.classes.classOf(h.size(c))
	head := h.heads[i]
	h.mem.SetWord(c+Overhead, head)
	h.mem.SetWord(c+Overhead+8, 0)
	if head != 0 {
		h.mem.SetWord(head+Overhead+8, c)
	}
	h.heads[i] = c
	h.binmap |= uint64(1) << uint(i)
}

// unlink removes a free chunk from its class list, clearing the class bit
// when the list empties.
func (h *Heap) unlink(c uint64) {
	i := h.classes.classOf(h.size(c))
	next := h.mem.Word(c + Overhead)
	prev := h.mem.Word(c + Overhead + 8)
	if prev != 0 {
		h.mem.SetWord(prev+Overhead, next)
	} else {
		h.heads[i] = next
	}
	if next != 0 {
		h.mem.SetWord(next+Overhead+8, prev)
	}
	if h.heads[i] == 0 {
		h.binmap &^= uint64(1) << uint(i)
	}
}

func (h *Heap) size(c uint64) uint64     { return h.mem.Word(c+8) &^ inUse }
func (h *Heap) used(c uint64) bool       { return h.mem.Word(c+8)&inUse != 0 }
func (h *Heap) prevSize(c uint64) uint64 { return h.mem.Word(c) &^ inUse }
func (h *Heap) prevUsed(c uint64) bool   { return h.mem.Word(c)&inUse != 0 }

// setChunk writes a chunk's size word and the following chunk's psize.
func (h *Heap) setChunk(c, size uint64, used bool) {
	w := size
	if used {
		w |= inUse
	}
	h.mem.SetWord(c+8, w)
	h.mem.SetWord(c+size, w)
}

// writeFence places the top fence at c with the given psize word.
func (h *Heap) writeFence(c, psize uint64) {
	h.mem.SetWord(c, psize)
	h.mem.SetWord(c+8, inUse)
	h.top = c
}

func alignUp(x, align uint64) uint64 {
	return vm.AlignUp(x, align)
}
