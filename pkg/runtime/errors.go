package runtime

import (
	"errors"
	"fmt"

	"github.com/fortiblox/cellrt/pkg/cellfs"
	"github.com/fortiblox/cellrt/pkg/heap"
	"github.com/fortiblox/cellrt/pkg/host"
	"github.com/fortiblox/cellrt/pkg/resolver"
	"github.com/fortiblox/cellrt/pkg/script"
	"github.com/fortiblox/cellrt/pkg/syscall"
)

var (
	// ErrInvalidArgument indicates caller misuse.
	ErrInvalidArgument = errors.New("runtime: invalid argument")

	// ErrExitDisabled is returned when the script asks to exit while exits
	// are disabled.
	ErrExitDisabled = errors.New("runtime: exit is disabled")
)

// Kind classifies runtime errors.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindOutOfMemory
	KindNotFound
	KindEncoding
	KindInvalidArgument
	KindHostError
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindNotFound:
		return "not found"
	case KindEncoding:
		return "encoding"
	case KindInvalidArgument:
		return "invalid argument"
	case KindHostError:
		return "host error"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Allocation failures are never host errors, and a
// missing item is reported as not found rather than as a host error. A heap
// that was handed a foreign pointer or lost its invariants is fatal.
func KindOf(err error) Kind {
	var fatal *resolver.FatalError
	var hostErr *syscall.HostError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &fatal), errors.Is(err, heap.ErrInvalidPointer), errors.Is(err, heap.ErrCorrupt):
		return KindFatal
	case errors.Is(err, heap.ErrOutOfMemory), errors.Is(err, syscall.ErrOutOfMemory):
		return KindOutOfMemory
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, cellfs.ErrNotFound),
		errors.Is(err, cellfs.ErrNoFilesystem), errors.Is(err, syscall.ErrItemMissing):
		return KindNotFound
	case errors.Is(err, script.ErrEncoding), errors.Is(err, script.ErrArgsFormat),
		errors.Is(err, cellfs.ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, resolver.ErrInvalidArgument),
		errors.Is(err, resolver.ErrContentTooLarge):
		return KindInvalidArgument
	case errors.As(err, &hostErr):
		return KindHostError
	default:
		return KindUnknown
	}
}

// ExitCode returns the code a script ending with err exits with.
func ExitCode(err error) int8 {
	var exit *ExitScriptError
	var fatal *resolver.FatalError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exit):
		return exit.Code
	case errors.As(err, &fatal):
		return fatal.Code
	}
	switch KindOf(err) {
	case KindOutOfMemory:
		return host.ExitOutOfMemory
	case KindNotFound:
		return -int8(host.ItemMissing)
	case KindEncoding:
		return host.ExitEncoding
	case KindInvalidArgument:
		return host.ExitInvalidArgument
	case KindHostError:
		return host.ExitSyscall
	default:
		return host.ExitInternal
	}
}

// ExitScriptError stops a script with a code of its choosing.
type ExitScriptError struct {
	Code int8
}

func (e *ExitScriptError) Error() string {
	return fmt.Sprintf("script exited with code %d", e.Code)
}

// ExitScript returns the error an interpreter uses to stop the script.
func ExitScript(code int8) error {
	return &ExitScriptError{Code: code}
}
