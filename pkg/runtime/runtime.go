// Package runtime ties the guest support pieces together: one Runtime owns
// the guest memory, its heap, the syscall client, the resolver and the
// mounted filesystem, and hands them to the interpreter it boots.
package runtime

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/cellfs"
	"github.com/fortiblox/cellrt/pkg/dl"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/host"
	"github.com/fortiblox/cellrt/pkg/resolver"
	"github.com/fortiblox/cellrt/pkg/script"
	"github.com/fortiblox/cellrt/pkg/syscall"
	"github.com/fortiblox/cellrt/pkg/vm"
)

// EntryPoint is the file evaluated when a script runs from a filesystem.
const EntryPoint = "main.lua"

// Interpreter evaluates script source. Returning an *ExitScriptError stops
// the script with that code; any other error fails it.
type Interpreter interface {
	Eval(rt *Runtime, name string, code []byte) error
}

// Options configures a Runtime.
type Options struct {
	Heap heap.Config

	// HeapStart and HeapEnd give the heap an explicit range. When both are
	// zero the heap grows from the program break.
	HeapStart uint64
	HeapEnd   uint64

	// StagingCapacity is the size of the buffer libraries are staged in.
	StagingCapacity uint64
	PageSize        uint64

	Linker      resolver.Linker
	Logger      log.Logger
	ExitEnabled bool
}

// Runtime is the guest's execution context. It is not safe for concurrent use.
type Runtime struct {
	host     host.Host
	mem      *vm.Memory
	heap     *heap.Heap
	client   *syscall.Client
	resolver *resolver.Resolver
	fs       cellfs.Registry
	blobs    map[*cellfs.FS]syscall.Result
	staging  *resolver.Staging
	logger   log.Logger

	heapStart   uint64
	heapEnd     uint64
	stagingCap  uint64
	pageSize    uint64
	exitEnabled bool
}

// New creates a runtime for a guest with memory mem served by h.
func New(h host.Host, mem *vm.Memory, opts Options) (*Runtime, error) {
	if opts.PageSize == 0 {
		opts.PageSize = vm.PageSize
	}
	if opts.StagingCapacity == 0 {
		opts.StagingCapacity = resolver.DefaultStagingCapacity
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	hp, err := heap.New(mem, opts.Heap)
	if err != nil {
		return nil, err
	}
	if opts.HeapStart != 0 || opts.HeapEnd != 0 {
		if err := hp.Configure(opts.HeapStart, opts.HeapEnd); err != nil {
			return nil, fmt.Errorf("configure heap: %w", err)
		}
	}
	client := syscall.NewClient(hp)
	return &Runtime{
		host:   h,
		mem:    mem,
		heap:   hp,
		client: client,
		resolver: resolver.New(h, client, resolver.Config{
			Linker:   opts.Linker,
			PageSize: opts.PageSize,
			Logger:   log.With(opts.Logger, "component", "resolver"),
		}),
		blobs:       make(map[*cellfs.FS]syscall.Result),
		logger:      opts.Logger,
		heapStart:   opts.HeapStart,
		heapEnd:     opts.HeapEnd,
		stagingCap:  opts.StagingCapacity,
		pageSize:    opts.PageSize,
		exitEnabled: opts.ExitEnabled,
	}, nil
}

// Host returns the host the runtime talks to.
func (rt *Runtime) Host() host.Host { return rt.host }

// Memory returns the guest memory.
func (rt *Runtime) Memory() *vm.Memory { return rt.mem }

// Heap returns the guest heap.
func (rt *Runtime) Heap() *heap.Heap { return rt.heap }

// Client returns the syscall client.
func (rt *Runtime) Client() *syscall.Client { return rt.client }

// Resolver returns the cell dep resolver.
func (rt *Runtime) Resolver() *resolver.Resolver { return rt.resolver }

// Filesystem returns the mounted filesystem, or nil.
func (rt *Runtime) Filesystem() *cellfs.FS { return rt.fs.Current() }

// ExitEnabled reports whether scripts may end the guest through Exit.
func (rt *Runtime) ExitEnabled() bool { return rt.exitEnabled }

// SetExitEnabled toggles whether scripts may end the guest through Exit.
func (rt *Runtime) SetExitEnabled(enabled bool) { rt.exitEnabled = enabled }

// Exit ends the guest with code on behalf of the script. It fails with
// ErrExitDisabled while exits are disabled.
func (rt *Runtime) Exit(code int8) error {
	if !rt.exitEnabled {
		return ErrExitDisabled
	}
	level.Debug(rt.logger).Log("msg", "script exit", "code", code)
	rt.host.Exit(code)
	return ExitScript(code)
}

// Debug writes msg to the host's debug channel.
func (rt *Runtime) Debug(msg string) {
	rt.host.Debug(msg)
}

// Mount loads the data of one cell and mounts it as the filesystem,
// replacing any filesystem mounted before.
func (rt *Runtime) Mount(source types.Source, index uint64) (*cellfs.FS, error) {
	res, err := rt.client.Fetch(syscall.Request{
		Call: syscall.Call3{Fn: rt.host.LoadCellData, Index: index, Source: source},
	})
	if err != nil {
		return nil, fmt.Errorf("load filesystem from %s[%d]: %w", source, index, err)
	}
	return rt.mount(res)
}

// MountSource mounts the cell dep whose hash of the given type equals target.
func (rt *Runtime) MountSource(target types.Hash, hashType types.HashType) (*cellfs.FS, error) {
	res, err := rt.resolver.LoadSource(target, hashType)
	if err != nil {
		return nil, err
	}
	return rt.mount(res)
}

// mount takes ownership of res, which backs the filesystem's file contents.
func (rt *Runtime) mount(res syscall.Result) (*cellfs.FS, error) {
	fs, err := cellfs.Load(rt.heap, res.Data)
	if err != nil {
		_ = rt.client.Release(res)
		return nil, err
	}
	rt.blobs[fs] = res
	rt.fs.Replace(fs)
	rt.sweep(fs)
	level.Debug(rt.logger).Log("msg", "filesystem mounted", "files", fs.Len(), "bytes", res.Length)
	return fs, nil
}

// sweep frees every filesystem other than current with no open handles.
// Filesystems with open handles are kept until a later mount finds them
// released.
func (rt *Runtime) sweep(current *cellfs.FS) {
	for fs := range rt.blobs {
		if fs == current {
			continue
		}
		if n := fs.Outstanding(); n > 0 {
			level.Warn(rt.logger).Log("msg", "replaced filesystem still has open files", "open", n)
			continue
		}
		rt.unmount(fs)
	}
}

func (rt *Runtime) unmount(fs *cellfs.FS) {
	if err := fs.Close(); err != nil {
		level.Warn(rt.logger).Log("msg", "close filesystem", "err", err)
	}
	if err := rt.client.Release(rt.blobs[fs]); err != nil {
		level.Warn(rt.logger).Log("msg", "release filesystem blob", "err", err)
	}
	delete(rt.blobs, fs)
}

// Open opens a file in the mounted filesystem.
func (rt *Runtime) Open(name string) (*cellfs.Handle, error) {
	return rt.fs.Open(name)
}

// OpenLibrary stages and links the library in the cell dep whose hash of
// the given type equals target. The staging buffer is allocated on first
// use and reused by later calls.
func (rt *Runtime) OpenLibrary(target types.Hash, hashType types.HashType) (*dl.Library, error) {
	if rt.staging == nil {
		st, err := resolver.NewStaging(rt.heap, rt.stagingCap, rt.pageSize)
		if err != nil {
			return nil, err
		}
		rt.staging = st
	}
	return rt.resolver.OpenLibrary(target, hashType, rt.staging)
}

// Reset returns the runtime to its initial state: the filesystem is
// dropped, the heap emptied and the break moved back to the static end.
// Handles and results obtained before must not be used afterwards.
func (rt *Runtime) Reset() error {
	rt.fs.Replace(nil)
	rt.blobs = make(map[*cellfs.FS]syscall.Result)
	rt.staging = nil
	rt.heap.Reset()
	rt.mem.ResetBreak()
	if rt.heapStart != 0 || rt.heapEnd != 0 {
		return rt.heap.Configure(rt.heapStart, rt.heapEnd)
	}
	return nil
}

// Boot runs the script the transaction selected and returns its exit code.
//
// With no script args the first cell dep's data is evaluated. Otherwise the
// args name a cell dep by hash; when they select filesystem mode that cell
// is mounted and EntryPoint evaluated from it.
func (rt *Runtime) Boot(interp Interpreter) (int8, error) {
	s, err := rt.LoadAndUnpackScript()
	if err != nil {
		return rt.fail(err)
	}
	if len(s.Args) == 0 {
		res, err := rt.resolver.FirstCellData()
		if err != nil {
			return rt.fail(err)
		}
		defer rt.release(res)
		return rt.eval(interp, "cell_deps[0]", res.Data)
	}

	args, err := script.ParseLoaderArgs(s.Args)
	if err != nil {
		return host.ExitInvalidArgsFormat, rt.fatal(host.ExitInvalidArgsFormat, "invalid script args", err)
	}
	level.Debug(rt.logger).Log("msg", "boot", "code_hash", args.CodeHash.Hex(), "hash_type", args.HashType, "fs", args.Filesystem())

	if args.Filesystem() {
		if _, err := rt.MountSource(args.CodeHash, args.HashType); err != nil {
			return rt.fail(err)
		}
		h, err := rt.Open(EntryPoint)
		if err != nil {
			return rt.fail(err)
		}
		defer func() {
			if err := h.Release(); err != nil {
				level.Warn(rt.logger).Log("msg", "release entry point", "name", h.Name, "err", err)
			}
		}()
		return rt.eval(interp, h.Name, h.Content)
	}

	res, err := rt.resolver.LoadSource(args.CodeHash, args.HashType)
	if err != nil {
		return rt.fail(err)
	}
	defer rt.release(res)
	return rt.eval(interp, args.CodeHash.Hex(), res.Data)
}

func (rt *Runtime) release(res syscall.Result) {
	if err := rt.client.Release(res); err != nil {
		level.Warn(rt.logger).Log("msg", "release script source", "err", err)
	}
}

func (rt *Runtime) eval(interp Interpreter, name string, code []byte) (int8, error) {
	err := interp.Eval(rt, name, code)
	var exit *ExitScriptError
	if errors.As(err, &exit) {
		return exit.Code, nil
	}
	if err != nil {
		return rt.fail(fmt.Errorf("eval %s: %w", name, err))
	}
	return 0, nil
}

// fail reports err and returns the code the script ends with. Fatal errors
// end the guest through the host instead.
func (rt *Runtime) fail(err error) (int8, error) {
	code, kind := ExitCode(err), KindOf(err)
	level.Error(rt.logger).Log("msg", "script failed", "kind", kind, "code", code, "err", err)
	rt.host.Debug(err.Error())
	if kind == KindFatal {
		rt.host.Exit(code)
	}
	return code, err
}

// fatal ends the guest through the host. Exit does not return on a real
// host; the error is for hosts where it does.
func (rt *Runtime) fatal(code int8, msg string, err error) error {
	level.Error(rt.logger).Log("msg", msg, "exit", code, "err", err)
	rt.host.Debug(fmt.Sprintf("%s: %v", msg, err))
	rt.host.Exit(code)
	return &resolver.FatalError{Code: code, Msg: msg}
}
