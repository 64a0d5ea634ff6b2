// Package vm models the flat guest address space of the host VM.
//
// The VM has no virtual memory: guest addresses are indices into a single
// byte slice. Address 0 is never a valid allocation and serves as null.
// The program break starts at the end of the static image and may grow up
// to a host-imposed ceiling, mirroring brk(2) on a machine without an OS.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Ptr is a guest address. Zero is null.
type Ptr = uint64

// Layout constants for the default guest.
const (
	PageSize         = 4096            // RISC-V page size
	DefaultSize      = 4 * 1024 * 1024 // 4 MB address space
	DefaultCeiling   = 3 * 1024 * 1024 // brk may not pass 3 MB
	DefaultStaticEnd = 64 * 1024       // end of the static image (_end)
)

// Errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrBreakCeiling        = errors.New("program break ceiling reached")
	ErrInvalidLayout       = errors.New("invalid memory layout")
)

// Memory is the guest address space.
type Memory struct {
	data    []byte
	brk     uint64
	initBrk uint64
	ceiling uint64
}

// New creates a guest address space of size bytes whose break starts at
// staticEnd and may not exceed ceiling.
func New(size, staticEnd, ceiling uint64) (*Memory, error) {
	if staticEnd == 0 || staticEnd > ceiling || ceiling > size {
		return nil, fmt.Errorf("%w: size=%d static_end=%d ceiling=%d", ErrInvalidLayout, size, staticEnd, ceiling)
	}
	return &Memory{
		data:    make([]byte, size),
		brk:     staticEnd,
		initBrk: staticEnd,
		ceiling: ceiling,
	}, nil
}

// NewDefault creates a guest with the default layout.
func NewDefault() *Memory {
	m, err := New(DefaultSize, DefaultStaticEnd, DefaultCeiling)
	if err != nil {
		panic(err)
	}
	return m
}

// Size returns the size of the address space.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Ceiling returns the highest address the break may reach.
func (m *Memory) Ceiling() uint64 {
	return m.ceiling
}

// Brk returns the current program break.
func (m *Memory) Brk() uint64 {
	return m.brk
}

// Sbrk moves the break by incr bytes and returns the previous break.
// The break never passes the ceiling and never drops below the static end.
func (m *Memory) Sbrk(incr int64) (uint64, error) {
	old := m.brk
	if incr >= 0 {
		if uint64(incr) > m.ceiling-m.brk {
			return 0, fmt.Errorf("%w: brk=0x%x incr=%d ceiling=0x%x", ErrBreakCeiling, m.brk, incr, m.ceiling)
		}
		m.brk += uint64(incr)
		return old, nil
	}
	dec := uint64(-incr)
	if dec > m.brk-m.initBrk {
		return 0, fmt.Errorf("%w: brk=0x%x decrement %d below static end", ErrInvalidMemoryAccess, m.brk, dec)
	}
	m.brk -= dec
	return old, nil
}

// ResetBreak moves the break back to the static end.
func (m *Memory) ResetBreak() {
	m.brk = m.initBrk
}

// Translate returns the slice backing [addr, addr+size).
func (m *Memory) Translate(addr, size uint64) ([]byte, error) {
	memLen := uint64(len(m.data))
	if addr == 0 && size > 0 {
		return nil, fmt.Errorf("%w: null pointer access (size %d)", ErrInvalidMemoryAccess, size)
	}
	// Check for integer overflow in address calculation
	if size > 0 && addr > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := addr + size
	if end > memLen {
		return nil, fmt.Errorf("%w: access beyond memory at 0x%x (size %d, max %d)", ErrInvalidMemoryAccess, addr, size, memLen)
	}
	return m.data[addr:end:end], nil
}

// Slice is Translate for callers that have already validated the range.
func (m *Memory) Slice(addr, size uint64) []byte {
	b, err := m.Translate(addr, size)
	if err != nil {
		panic(err)
	}
	return b
}

// Read reads bytes from guest memory.
func (m *Memory) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write writes bytes to guest memory.
func (m *Memory) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Read32 reads a 32-bit value from guest memory (little-endian).
func (m *Memory) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from guest memory (little-endian).
func (m *Memory) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write32 writes a 32-bit value to guest memory (little-endian).
func (m *Memory) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to guest memory (little-endian).
func (m *Memory) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

// word reads a 64-bit value at an address already known to be in range.
func (m *Memory) word(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.data[addr : addr+8])
}

// setWord writes a 64-bit value at an address already known to be in range.
func (m *Memory) setWord(addr, x uint64) {
	binary.LittleEndian.PutUint64(m.data[addr:addr+8], x)
}

// Word is the unchecked 64-bit load used by the allocator's boundary tags.
func (m *Memory) Word(addr uint64) uint64 { return m.word(addr) }

// SetWord is the unchecked 64-bit store used by the allocator's boundary tags.
func (m *Memory) SetWord(addr, x uint64) { m.setWord(addr, x) }

// AlignUp rounds x up to a multiple of align, which must be a power of two.
func AlignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// IsAligned reports whether x is a multiple of align.
func IsAligned(x, align uint64) bool {
	return x&(align-1) == 0
}
