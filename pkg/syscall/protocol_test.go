package syscall

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/host"
	"github.com/fortiblox/cellrt/pkg/vm"
)

func newClient(t *testing.T) (*Client, *heap.Heap) {
	t.Helper()
	h, err := heap.New(vm.NewDefault(), heap.DefaultConfig())
	require.NoError(t, err)
	return NewClient(h), h
}

// items serves a fixed list through the arity-3 shape and counts calls.
type items struct {
	data  [][]byte
	calls int
	fail  host.Status
}

func (s *items) load(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	s.calls++
	if s.fail != host.Success && buf != nil {
		return 0, s.fail
	}
	if index >= uint64(len(s.data)) {
		return 0, host.IndexOutOfBound
	}
	if s.data[index] == nil {
		return 0, host.ItemMissing
	}
	return host.Store(buf, offset, s.data[index])
}

func TestFetchDiscoversLength(t *testing.T) {
	c, h := newClient(t)
	src := &items{data: [][]byte{[]byte("hello world")}}

	res, err := c.Fetch(Request{Call: Call3{Fn: src.load, Source: types.SourceCellDep}})
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, uint64(11), res.Length)
	assert.Equal(t, []byte("hello world"), res.Data)
	assert.Equal(t, res.Data, h.Bytes(res.Ptr, res.Length))

	require.NoError(t, c.Release(res))
	require.NoError(t, h.Check())
	assert.Zero(t, h.Stats().InUse)
}

func TestFetchProbeIdempotence(t *testing.T) {
	c, _ := newClient(t)
	src := &items{data: [][]byte{make([]byte, 300)}}
	call := Call3{Fn: src.load, Offset: 20}

	probe, err := c.Fetch(Request{Call: call, Length: Length(0)})
	require.NoError(t, err)
	assert.Zero(t, probe.Ptr)
	assert.Nil(t, probe.Data)
	assert.Equal(t, uint64(280), probe.Length)
	assert.Equal(t, 1, src.calls)

	res, err := c.Fetch(Request{Call: call, Length: Length(probe.Length)})
	require.NoError(t, err)
	assert.Equal(t, probe.Length, res.Length)
	assert.Len(t, res.Data, int(probe.Length))
}

func TestFetchClampsToReportedLength(t *testing.T) {
	c, _ := newClient(t)
	src := &items{data: [][]byte{[]byte("short")}}

	res, err := c.Fetch(Request{Call: Call3{Fn: src.load}, Length: Length(1000)})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Length)
	assert.Equal(t, []byte("short"), res.Data)

	// A buffer smaller than the item is filled and not overrun.
	res, err = c.Fetch(Request{Call: Call3{Fn: src.load}, Length: Length(3)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Length)
	assert.Equal(t, []byte("sho"), res.Data)
}

func TestFetchEmptyVersusMissing(t *testing.T) {
	c, h := newClient(t)
	src := &items{data: [][]byte{{}, nil}}

	res, err := c.Fetch(Request{Call: Call3{Fn: src.load, Index: 0}})
	require.NoError(t, err)
	assert.Zero(t, res.Ptr)
	assert.Zero(t, res.Length)

	res, err = c.Fetch(Request{Call: Call3{Fn: src.load, Index: 0}, Length: Length(16)})
	require.NoError(t, err)
	assert.Zero(t, res.Ptr)
	assert.Zero(t, res.Length)

	_, err = c.Fetch(Request{Call: Call3{Fn: src.load, Index: 1}})
	assert.ErrorIs(t, err, ErrItemMissing)
	assert.False(t, errors.Is(err, ErrIndexOutOfBound))

	_, err = c.Fetch(Request{Call: Call3{Fn: src.load, Index: 2}, Length: Length(0)})
	assert.ErrorIs(t, err, ErrIndexOutOfBound)

	assert.Zero(t, h.Stats().InUse)
}

func TestFetchReleasesOnHostError(t *testing.T) {
	c, h := newClient(t)
	src := &items{data: [][]byte{[]byte("data")}, fail: host.InvalidData}

	_, err := c.Fetch(Request{Call: Call3{Fn: src.load}})
	var he *HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, host.InvalidData, he.Status)
	assert.Zero(t, h.Stats().InUse)
	require.NoError(t, h.Check())
}

func TestFetchOutOfMemory(t *testing.T) {
	c, _ := newClient(t)
	big := &items{data: [][]byte{make([]byte, vm.DefaultCeiling)}}

	_, err := c.Fetch(Request{Call: Call3{Fn: big.load}})
	assert.ErrorIs(t, err, ErrOutOfMemory)
	var he *HostError
	assert.False(t, errors.As(err, &he), "out of memory is not a host error")
	assert.Equal(t, 1, big.calls, "no fetch after a failed allocation")
}

func TestFetchDispatchesEveryShape(t *testing.T) {
	c, _ := newClient(t)
	var got []string

	one := Call1{Offset: 1, Fn: func(buf []byte, offset uint64) (uint64, host.Status) {
		got = append(got, "1")
		return host.Store(buf, offset, []byte("xab"))
	}}
	four := Call4{Index: 3, Source: types.SourceInput, Field: 5, Fn: func(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, host.Status) {
		got = append(got, "4")
		assert.Equal(t, uint64(3), index)
		assert.Equal(t, types.SourceInput, source)
		assert.Equal(t, uint64(5), field)
		return host.Store(buf, offset, []byte("field"))
	}}

	res, err := c.Fetch(Request{Call: one})
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), res.Data)

	res, err = c.Fetch(Request{Call: four, Length: Length(32)})
	require.NoError(t, err)
	assert.Equal(t, []byte("field"), res.Data)
	assert.Equal(t, []string{"1", "1", "4"}, got)
}

func TestFetchInto(t *testing.T) {
	c, _ := newClient(t)
	src := &items{data: [][]byte{[]byte("0123456789")}}

	buf := make([]byte, 4)
	n, err := c.FetchInto(Call3{Fn: src.load, Offset: 2}, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	assert.Equal(t, []byte("2345"), buf)

	_, err = c.FetchInto(Call3{Fn: src.load, Index: 5}, buf)
	assert.ErrorIs(t, err, ErrIndexOutOfBound)
}
