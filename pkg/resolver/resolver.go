// Package resolver finds cells among the transaction's cell deps by content
// hash and stages their bytes for execution.
//
// Every lookup is the same scan: walk cell dep indices from zero, fetch the
// selected 32-byte hash field of each, and act on the first match. The scan
// stops with ErrNotFound at the first index the host reports as missing or
// out of bound.
package resolver

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/dl"
	"github.com/fortiblox/cellrt/pkg/host"
	"github.com/fortiblox/cellrt/pkg/syscall"
	"github.com/fortiblox/cellrt/pkg/vm"
)

var (
	// ErrNotFound is returned when no cell dep matches.
	ErrNotFound = errors.New("resolver: no matching cell dep")

	// ErrInvalidArgument is returned for a hash type with no hash field.
	ErrInvalidArgument = errors.New("resolver: invalid argument")

	// ErrContentTooLarge is returned when a cell does not fit the staging buffer.
	ErrContentTooLarge = errors.New("resolver: content exceeds staging capacity")
)

// FatalError is returned after the resolver asked the host to exit, for
// hosts whose Exit returns.
type FatalError struct {
	Code int8
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal (exit %d): %s", e.Code, e.Msg)
}

// Linker links a staged library image.
type Linker interface {
	Link(image []byte, base vm.Ptr, size uint64) (*dl.Library, error)
}

// Resolver locates cells by hash. It is not safe for concurrent use.
type Resolver struct {
	host     host.Host
	client   *syscall.Client
	linker   Linker
	pageSize uint64
	logger   log.Logger
}

// Config configures a Resolver.
type Config struct {
	Linker   Linker
	PageSize uint64
	Logger   log.Logger
}

// New creates a resolver over h, fetching through client.
func New(h host.Host, client *syscall.Client, cfg Config) *Resolver {
	if cfg.PageSize == 0 {
		cfg.PageSize = vm.PageSize
	}
	if cfg.Linker == nil {
		cfg.Linker = dl.NewLoader(cfg.PageSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	return &Resolver{
		host:     h,
		client:   client,
		linker:   cfg.Linker,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}
}

// Scan walks the cell deps comparing field against target and calls onMatch
// with the index of the first match, returning its result.
func (r *Resolver) Scan(target types.Hash, field types.CellField, onMatch func(index uint64) error) error {
	for index := uint64(0); ; index++ {
		res, err := r.client.Fetch(syscall.Request{
			Call: syscall.Call4{
				Fn:     r.host.LoadCellByField,
				Index:  index,
				Source: types.SourceCellDep,
				Field:  uint64(field),
			},
			Length: syscall.Length(types.HashSize),
		})
		if errors.Is(err, syscall.ErrItemMissing) || errors.Is(err, syscall.ErrIndexOutOfBound) {
			level.Debug(r.logger).Log("msg", "scan exhausted", "target", target.Hex(), "field", field, "scanned", index)
			return fmt.Errorf("%w: %s after %d cell deps", ErrNotFound, target.Hex(), index)
		}
		if err != nil {
			return err
		}

		match := res.Length == types.HashSize && bytes.Equal(res.Data, target[:])
		if err := r.client.Release(res); err != nil {
			return err
		}
		if match {
			level.Debug(r.logger).Log("msg", "cell dep matched", "target", target.Hex(), "index", index)
			return onMatch(index)
		}
	}
}

// Resolve returns the index of the cell dep whose hash of the given type
// equals target.
func (r *Resolver) Resolve(target types.Hash, hashType types.HashType) (uint64, error) {
	field, err := hashType.Field()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	var found uint64
	err = r.Scan(target, field, func(index uint64) error {
		found = index
		return nil
	})
	return found, err
}

// LoadSource returns the data of the matching cell dep in a heap buffer the
// caller must release.
func (r *Resolver) LoadSource(target types.Hash, hashType types.HashType) (syscall.Result, error) {
	index, err := r.Resolve(target, hashType)
	if err != nil {
		return syscall.Result{}, err
	}
	return r.loadData(index)
}

// FirstCellData returns the data of the first cell dep.
func (r *Resolver) FirstCellData() (syscall.Result, error) {
	res, err := r.loadData(0)
	if errors.Is(err, syscall.ErrItemMissing) || errors.Is(err, syscall.ErrIndexOutOfBound) {
		return res, fmt.Errorf("%w: transaction has no cell deps", ErrNotFound)
	}
	return res, err
}

func (r *Resolver) loadData(index uint64) (syscall.Result, error) {
	return r.client.Fetch(syscall.Request{
		Call: syscall.Call3{Fn: r.host.LoadCellData, Index: index, Source: types.SourceCellDep},
	})
}

// Stage copies the data of the matching cell dep into st and returns its
// length.
func (r *Resolver) Stage(target types.Hash, hashType types.HashType, st *Staging) (uint64, error) {
	index, err := r.Resolve(target, hashType)
	if err != nil {
		return 0, err
	}
	call := syscall.Call3{Fn: r.host.LoadCellData, Index: index, Source: types.SourceCellDep}
	probe, err := r.client.Fetch(syscall.Request{Call: call, Length: syscall.Length(0)})
	if err != nil {
		return 0, err
	}
	if probe.Length > st.Cap {
		return 0, fmt.Errorf("%w: %d bytes, capacity %d", ErrContentTooLarge, probe.Length, st.Cap)
	}
	n, err := r.client.FetchInto(call, st.Bytes())
	if err != nil {
		return 0, err
	}
	level.Debug(r.logger).Log("msg", "staged cell dep", "index", index, "bytes", n, "at", fmt.Sprintf("0x%x", st.Ptr))
	return n, nil
}

// OpenLibrary stages the matching cell dep and links it in place. A library
// that cannot be linked, or whose image is not a whole number of pages, ends
// the script with ExitLibMalformed.
func (r *Resolver) OpenLibrary(target types.Hash, hashType types.HashType, st *Staging) (*dl.Library, error) {
	n, err := r.Stage(target, hashType, st)
	if err != nil {
		return nil, err
	}
	lib, err := r.linker.Link(st.Bytes(), st.Ptr, n)
	if err != nil {
		return nil, r.fatal(host.ExitLibMalformed, "link failed", "target", target.Hex(), "err", err)
	}
	if lib.Consumed%r.pageSize != 0 {
		return nil, r.fatal(host.ExitLibMalformed, "library image is not page aligned", "target", target.Hex(), "consumed", lib.Consumed)
	}
	level.Debug(r.logger).Log("msg", "library linked", "target", target.Hex(), "base", fmt.Sprintf("0x%x", lib.Base), "consumed", lib.Consumed)
	return lib, nil
}

// MustSymbol returns the address of name in lib. A missing symbol ends the
// script with ExitCantFindSymbol.
func (r *Resolver) MustSymbol(lib *dl.Library, name string) (vm.Ptr, error) {
	addr, ok := lib.Symbol(name)
	if !ok || addr == 0 {
		return 0, r.fatal(host.ExitCantFindSymbol, "symbol not found", "symbol", name)
	}
	return addr, nil
}

// fatal asks the host to end the script. Exit does not return on a real
// host; the error is for hosts where it does.
func (r *Resolver) fatal(code int8, msg string, keyvals ...interface{}) error {
	level.Error(r.logger).Log(append([]interface{}{"msg", msg, "exit", code}, keyvals...)...)
	r.host.Debug(msg)
	r.host.Exit(code)
	return &FatalError{Code: code, Msg: msg}
}
