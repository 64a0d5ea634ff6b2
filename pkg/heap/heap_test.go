package heap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cellrt/pkg/vm"
)

func newHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	h, err := New(vm.NewDefault(), cfg)
	require.NoError(t, err)
	return h
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func checkFill(t *testing.T, b []byte, seed byte) {
	t.Helper()
	for i := range b {
		if b[i] != seed+byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, b[i], seed+byte(i))
		}
	}
}

func TestAllocZero(t *testing.T) {
	h := newHeap(t, DefaultConfig())

	p1, err := h.Alloc(0)
	require.NoError(t, err)
	p2, err := h.Alloc(0)
	require.NoError(t, err)

	assert.NotZero(t, p1)
	assert.NotZero(t, p2)
	assert.NotEqual(t, p1, p2)
	require.NoError(t, h.Check())
}

func TestAllocFreeLoop(t *testing.T) {
	h := newHeap(t, DefaultConfig())

	for size := uint64(1); size < 64*1024; size = size*3/2 + 1 {
		p, err := h.Alloc(size)
		require.NoError(t, err, "size %d", size)
		assert.True(t, vm.IsAligned(p, Align))

		usable, err := h.Usable(p)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, usable, size)

		fill(h.Bytes(p, size), byte(size))
		checkFill(t, h.Bytes(p, size), byte(size))
		require.NoError(t, h.Free(p))
		require.NoError(t, h.Check())
	}
}

func TestAllocKeepsBlocksDisjoint(t *testing.T) {
	h := newHeap(t, DefaultConfig())

	var ptrs []vm.Ptr
	var sizes []uint64
	for i := 0; i < 200; i++ {
		size := uint64(i*37%900 + 1)
		p, err := h.Alloc(size)
		require.NoError(t, err)
		fill(h.Bytes(p, size), byte(i))
		ptrs = append(ptrs, p)
		sizes = append(sizes, size)
	}
	for i := range ptrs {
		checkFill(t, h.Bytes(ptrs[i], sizes[i]), byte(i))
	}
	for i := 0; i < len(ptrs); i += 2 {
		require.NoError(t, h.Free(ptrs[i]))
	}
	require.NoError(t, h.Check())
	for i := 1; i < len(ptrs); i += 2 {
		checkFill(t, h.Bytes(ptrs[i], sizes[i]), byte(i))
	}
}

func TestExtremeAllocFails(t *testing.T) {
	h := newHeap(t, DefaultConfig())

	for _, n := range []uint64{^uint64(0), ^uint64(0) - 15, 1 << 40, vm.DefaultCeiling} {
		_, err := h.Alloc(n)
		assert.ErrorIs(t, err, ErrOutOfMemory, "Alloc(%d)", n)
	}

	// The heap is still usable afterwards.
	p, err := h.Alloc(128)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))
	require.NoError(t, h.Check())
}

func TestImplicitHeapStopsAtCeiling(t *testing.T) {
	mem := vm.NewDefault()
	h, err := New(mem, Config{Ceiling: 256 * 1024})
	require.NoError(t, err)

	total := uint64(0)
	for {
		p, err := h.Alloc(4000)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		assert.Less(t, p, uint64(256*1024))
		total += 4000
	}
	assert.Greater(t, total, uint64(128*1024))
	assert.LessOrEqual(t, mem.Brk(), uint64(256*1024))
	require.NoError(t, h.Check())
}

func TestConfigureExplicitRange(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	start, end := uint64(0x100000), uint64(0x110000)
	brk := h.Memory().Brk()

	require.NoError(t, h.Configure(start, end))
	assert.ErrorIs(t, h.Configure(start, end), ErrAlreadyConfigured)

	n := 0
	for {
		p, err := h.Alloc(1000)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		assert.GreaterOrEqual(t, p, start)
		assert.LessOrEqual(t, p+1000, end)
		n++
	}
	assert.Greater(t, n, 50)
	assert.Equal(t, brk, h.Memory().Brk(), "explicit heap must not move the break")
	require.NoError(t, h.Check())
}

func TestConfigureAfterAlloc(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	_, err := h.Alloc(10)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Configure(0x100000, 0x200000), ErrAlreadyConfigured)
}

func TestConfigureRejectsBadRange(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	assert.ErrorIs(t, h.Configure(0x2000, 0x1000), ErrInvalidRange)
	assert.ErrorIs(t, h.Configure(0, 0x1000), ErrInvalidRange)
	assert.ErrorIs(t, h.Configure(0x1000, h.Memory().Size()+1), ErrInvalidRange)
	assert.ErrorIs(t, h.Configure(0x1000, 0x1010), ErrInvalidRange)
	assert.False(t, h.Configured())
}

func TestFreeCoalesces(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	require.NoError(t, h.Configure(0x100000, 0x200000))

	a, _ := h.Alloc(100)
	b, _ := h.Alloc(100)
	c, _ := h.Alloc(100)
	_, err := h.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(c))
	assert.Equal(t, 2, h.Stats().FreeChunks)

	require.NoError(t, h.Free(b))
	s := h.Stats()
	assert.Equal(t, 1, s.FreeChunks)
	assert.Equal(t, uint64(3*128), s.Free)
	require.NoError(t, h.Check())

	// The merged chunk is reused for a request that needs all of it.
	p, err := h.Alloc(3*128 - Overhead)
	require.NoError(t, err)
	assert.Equal(t, a, p)
}

func TestFreeRejectsBadPointers(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	assert.ErrorIs(t, h.Free(0x1234), ErrInvalidPointer, "unconfigured heap")

	p, err := h.Alloc(64)
	require.NoError(t, err)

	assert.NoError(t, h.Free(0))
	assert.ErrorIs(t, h.Free(p+8), ErrInvalidPointer)
	assert.ErrorIs(t, h.Free(vm.DefaultCeiling), ErrInvalidPointer)

	require.NoError(t, h.Free(p))
	assert.ErrorIs(t, h.Free(p), ErrInvalidPointer, "double free")
	require.NoError(t, h.Check())
}

func TestRealloc(t *testing.T) {
	h := newHeap(t, DefaultConfig())

	p, err := h.Realloc(0, 50)
	require.NoError(t, err)
	fill(h.Bytes(p, 50), 7)

	// Sole block at the top grows in place.
	q, err := h.Realloc(p, 1000)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	checkFill(t, h.Bytes(q, 50), 7)

	// A neighbour forces a move.
	_, err = h.Alloc(16)
	require.NoError(t, err)
	r, err := h.Realloc(q, 5000)
	require.NoError(t, err)
	assert.NotEqual(t, q, r)
	checkFill(t, h.Bytes(r, 50), 7)

	// Shrinking stays in place.
	s, err := h.Realloc(r, 20)
	require.NoError(t, err)
	assert.Equal(t, r, s)
	checkFill(t, h.Bytes(s, 20), 7)

	z, err := h.Realloc(s, 0)
	require.NoError(t, err)
	assert.Zero(t, z)
	require.NoError(t, h.Check())
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	require.NoError(t, h.Configure(0x100000, 0x104000))

	p, err := h.Alloc(100)
	require.NoError(t, err)
	fill(h.Bytes(p, 100), 3)
	_, err = h.Alloc(16)
	require.NoError(t, err)

	_, err = h.Realloc(p, 0x8000)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	checkFill(t, h.Bytes(p, 100), 3)
	require.NoError(t, h.Check())
}

func TestReallocAbsorbsFreeNeighbour(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	p, _ := h.Alloc(100)
	n, _ := h.Alloc(400)
	_, err := h.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, h.Free(n))

	q, err := h.Realloc(p, 300)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	require.NoError(t, h.Check())
}

func TestAllocAligned(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	_, err := h.Alloc(24)
	require.NoError(t, err)

	for _, align := range []uint64{8, 16, 64, 256, 4096} {
		p, err := h.AllocAligned(align, 100)
		require.NoError(t, err)
		assert.True(t, vm.IsAligned(p, align), "align %d got 0x%x", align, p)
		fill(h.Bytes(p, 100), 1)
		require.NoError(t, h.Check())
	}

	_, err = h.AllocAligned(48, 10)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestSizeClassCount(t *testing.T) {
	_, err := New(vm.NewDefault(), Config{Classes: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(vm.NewDefault(), Config{Classes: 65})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	h := newHeap(t, Config{Classes: 8})
	assert.Equal(t, 8, h.Classes())

	var ptrs []vm.Ptr
	for i := 0; i < 64; i++ {
		p, err := h.Alloc(uint64(i * 70))
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	for i := 0; i < len(ptrs); i += 2 {
		require.NoError(t, h.Free(ptrs[i]))
	}
	assert.Zero(t, h.Binmap()>>8)
	for i := 0; i < h.Classes(); i++ {
		assert.Equal(t, h.ClassEmpty(i), h.Binmap()&(1<<uint(i)) == 0, "class %d", i)
	}
	require.NoError(t, h.Check())
}

func TestClassTable(t *testing.T) {
	ct := newClassTable(DefaultClasses)
	assert.Equal(t, uint64(MinChunk), ct.lower[0])
	for i := 1; i < ct.count(); i++ {
		assert.Greater(t, ct.lower[i], ct.lower[i-1])
		assert.Zero(t, ct.lower[i]%Align)
	}
	for _, size := range []uint64{32, 48, 100 * 16, 1 << 20} {
		i := ct.classOf(size)
		assert.LessOrEqual(t, ct.lower[i], size)
		j := ct.classFor(size)
		assert.GreaterOrEqual(t, j, i)
	}
	assert.Equal(t, DefaultClasses-1, ct.classFor(1<<40))
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	rng := rand.New(rand.NewSource(1))

	type block struct {
		p    vm.Ptr
		n    uint64
		seed byte
	}
	var live []block

	for i := 0; i < 3000; i++ {
		switch op := rng.Intn(10); {
		case op < 5 || len(live) == 0:
			n := uint64(rng.Intn(2048))
			p, err := h.Alloc(n)
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				continue
			}
			seed := byte(i)
			fill(h.Bytes(p, n), seed)
			live = append(live, block{p, n, seed})
		case op < 8:
			k := rng.Intn(len(live))
			checkFill(t, h.Bytes(live[k].p, live[k].n), live[k].seed)
			require.NoError(t, h.Free(live[k].p))
			live = append(live[:k], live[k+1:]...)
		default:
			k := rng.Intn(len(live))
			n := uint64(rng.Intn(4096)) + 1
			p, err := h.Realloc(live[k].p, n)
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				continue
			}
			keep := live[k].n
			if n < keep {
				keep = n
			}
			checkFill(t, h.Bytes(p, keep), live[k].seed)
			fill(h.Bytes(p, n), live[k].seed)
			live[k] = block{p, n, live[k].seed}
		}
		require.NoError(t, h.Check(), "after op %d", i)
	}
	require.NoError(t, h.Check())

	for _, b := range live {
		require.NoError(t, h.Free(b.p))
	}
	require.NoError(t, h.Check())
	assert.Zero(t, h.Stats().InUse)
}

func TestReset(t *testing.T) {
	h := newHeap(t, DefaultConfig())
	_, err := h.Alloc(10)
	require.NoError(t, err)
	h.Reset()
	assert.False(t, h.Configured())
	require.NoError(t, h.Configure(0x200000, 0x210000))
	p, err := h.Alloc(10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, uint64(0x200000))
}
