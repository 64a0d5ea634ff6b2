package runtime

import (
	"fmt"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/script"
	"github.com/fortiblox/cellrt/pkg/syscall"
)

// LoadOption adjusts a load request.
type LoadOption func(*loadRequest)

type loadRequest struct {
	length *uint64
	offset uint64
}

// WithLength fixes the buffer size. Zero asks only for the item's length.
func WithLength(n uint64) LoadOption {
	return func(r *loadRequest) { r.length = syscall.Length(n) }
}

// WithOffset starts the load at offset bytes into the item.
func WithOffset(offset uint64) LoadOption {
	return func(r *loadRequest) { r.offset = offset }
}

func buildRequest(opts []LoadOption) loadRequest {
	var r loadRequest
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// LoadTxHash loads the hash of the running transaction.
func (rt *Runtime) LoadTxHash(opts ...LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	if r.length == nil {
		r.length = syscall.Length(types.HashSize)
	}
	return rt.client.Fetch(syscall.Request{Call: syscall.Call1{Fn: rt.host.LoadTxHash, Offset: r.offset}, Length: r.length})
}

// LoadScriptHash loads the hash of the running script.
func (rt *Runtime) LoadScriptHash(opts ...LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	if r.length == nil {
		r.length = syscall.Length(types.HashSize)
	}
	return rt.client.Fetch(syscall.Request{Call: syscall.Call1{Fn: rt.host.LoadScriptHash, Offset: r.offset}, Length: r.length})
}

// LoadScript loads the running script's encoded record.
func (rt *Runtime) LoadScript(opts ...LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	return rt.client.Fetch(syscall.Request{Call: syscall.Call1{Fn: rt.host.LoadScript, Offset: r.offset}, Length: r.length})
}

// LoadTransaction loads the running transaction.
func (rt *Runtime) LoadTransaction(opts ...LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	return rt.client.Fetch(syscall.Request{Call: syscall.Call1{Fn: rt.host.LoadTransaction, Offset: r.offset}, Length: r.length})
}

// LoadCell loads the output record of a cell.
func (rt *Runtime) LoadCell(index uint64, source types.Source, opts ...LoadOption) (syscall.Result, error) {
	return rt.load3(rt.host.LoadCell, index, source, opts)
}

// LoadCellData loads the data of a cell.
func (rt *Runtime) LoadCellData(index uint64, source types.Source, opts ...LoadOption) (syscall.Result, error) {
	return rt.load3(rt.host.LoadCellData, index, source, opts)
}

// LoadInput loads an input.
func (rt *Runtime) LoadInput(index uint64, source types.Source, opts ...LoadOption) (syscall.Result, error) {
	return rt.load3(rt.host.LoadInput, index, source, opts)
}

// LoadHeader loads a header.
func (rt *Runtime) LoadHeader(index uint64, source types.Source, opts ...LoadOption) (syscall.Result, error) {
	return rt.load3(rt.host.LoadHeader, index, source, opts)
}

// LoadWitness loads a witness.
func (rt *Runtime) LoadWitness(index uint64, source types.Source, opts ...LoadOption) (syscall.Result, error) {
	return rt.load3(rt.host.LoadWitness, index, source, opts)
}

// LoadCellByField loads one field of a cell.
func (rt *Runtime) LoadCellByField(index uint64, source types.Source, field types.CellField, opts ...LoadOption) (syscall.Result, error) {
	return rt.load4(rt.host.LoadCellByField, index, source, uint64(field), opts)
}

// LoadInputByField loads one field of an input.
func (rt *Runtime) LoadInputByField(index uint64, source types.Source, field uint64, opts ...LoadOption) (syscall.Result, error) {
	return rt.load4(rt.host.LoadInputByField, index, source, field, opts)
}

// LoadHeaderByField loads one field of a header.
func (rt *Runtime) LoadHeaderByField(index uint64, source types.Source, field uint64, opts ...LoadOption) (syscall.Result, error) {
	return rt.load4(rt.host.LoadHeaderByField, index, source, field, opts)
}

func (rt *Runtime) load3(fn syscall.Load3Func, index uint64, source types.Source, opts []LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	return rt.client.Fetch(syscall.Request{
		Call:   syscall.Call3{Fn: fn, Offset: r.offset, Index: index, Source: source},
		Length: r.length,
	})
}

func (rt *Runtime) load4(fn syscall.Load4Func, index uint64, source types.Source, field uint64, opts []LoadOption) (syscall.Result, error) {
	r := buildRequest(opts)
	return rt.client.Fetch(syscall.Request{
		Call:   syscall.Call4{Fn: fn, Offset: r.offset, Index: index, Source: source, Field: field},
		Length: r.length,
	})
}

// LoadAndUnpackScript loads and decodes the running script. The returned
// script owns its args; nothing stays allocated on the heap. A probe makes
// no sense here and is rejected.
func (rt *Runtime) LoadAndUnpackScript(opts ...LoadOption) (script.Script, error) {
	r := buildRequest(opts)
	if r.length != nil && *r.length == 0 {
		return script.Script{}, fmt.Errorf("%w: cannot unpack a length probe", ErrInvalidArgument)
	}
	res, err := rt.LoadScript(opts...)
	if err != nil {
		return script.Script{}, fmt.Errorf("load script: %w", err)
	}
	defer rt.client.Release(res)

	s, err := script.Decode(res.Data)
	if err != nil {
		return script.Script{}, err
	}
	s.Args = append([]byte(nil), s.Args...)
	return s, nil
}
