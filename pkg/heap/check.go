package heap

import "fmt"

// Check walks the heap and every free list and verifies the allocator's
// invariants: boundary tags agree, no two free chunks are adjacent, every
// free chunk is on the list of its class exactly once, and the class bitmask
// matches the list heads.
func (h *Heap) Check() error {
	if h.mode == modeUnset {
		if h.binmap != 0 {
			return fmt.Errorf("%w: binmap 0x%x on unconfigured heap", ErrCorrupt, h.binmap)
		}
		return nil
	}

	for i, head := range h.heads {
		bit := h.binmap&(uint64(1)<<uint(i)) != 0
		if bit != (head != 0) {
			return fmt.Errorf("%w: class %d bit=%v head=0x%x", ErrCorrupt, i, bit, head)
		}
	}

	free := make(map[uint64]bool)
	prevWord := h.mem.Word(h.base)
	if prevWord != inUse {
		return fmt.Errorf("%w: first chunk psize 0x%x", ErrCorrupt, prevWord)
	}
	prevFree := false
	c := h.base
	for c < h.top {
		w := h.mem.Word(c + 8)
		size := w &^ inUse
		if size < MinChunk || size%Align != 0 || c+size > h.top {
			return fmt.Errorf("%w: chunk 0x%x size %d", ErrCorrupt, c, size)
		}
		if h.mem.Word(c) != prevWord {
			return fmt.Errorf("%w: chunk 0x%x psize 0x%x, previous csize 0x%x", ErrCorrupt, c, h.mem.Word(c), prevWord)
		}
		isFree := w&inUse == 0
		if isFree {
			if prevFree {
				return fmt.Errorf("%w: adjacent free chunks at 0x%x", ErrCorrupt, c)
			}
			free[c] = false
		}
		prevFree = isFree
		prevWord = w
		c += size
	}
	if c != h.top {
		return fmt.Errorf("%w: walk ended at 0x%x, top 0x%x", ErrCorrupt, c, h.top)
	}
	if h.mem.Word(h.top) != prevWord || h.mem.Word(h.top+8) != inUse {
		return fmt.Errorf("%w: fence at 0x%x", ErrCorrupt, h.top)
	}
	if h.top+Overhead > h.limit {
		return fmt.Errorf("%w: fence 0x%x past limit 0x%x", ErrCorrupt, h.top, h.limit)
	}

	for i, head := range h.heads {
		prev := uint64(0)
		for c := head; c != 0; c = h.mem.Word(c + Overhead) {
			seen, ok := free[c]
			if !ok {
				return fmt.Errorf("%w: class %d lists 0x%x which is not a free chunk", ErrCorrupt, i, c)
			}
			if seen {
				return fmt.Errorf("%w: chunk 0x%x listed twice", ErrCorrupt, c)
			}
			free[c] = true
			if got := h.classes.classOf(h.size(c)); got != i {
				return fmt.Errorf("%w: chunk 0x%x of size %d on class %d, want %d", ErrCorrupt, c, h.size(c), i, got)
			}
			if back := h.mem.Word(c + Overhead + 8); back != prev {
				return fmt.Errorf("%w: chunk 0x%x back link 0x%x, want 0x%x", ErrCorrupt, c, back, prev)
			}
			prev = c
		}
	}
	for c, seen := range free {
		if !seen {
			return fmt.Errorf("%w: free chunk 0x%x is on no list", ErrCorrupt, c)
		}
	}
	return nil
}
