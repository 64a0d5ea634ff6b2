package heap

import "errors"

var (
	// ErrOutOfMemory indicates no free chunk fits and the break cannot grow.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrAlreadyConfigured indicates Configure was called after the heap was set up.
	ErrAlreadyConfigured = errors.New("heap: already configured")

	// ErrInvalidRange indicates an explicit range outside memory or too small to use.
	ErrInvalidRange = errors.New("heap: invalid range")

	// ErrInvalidPointer indicates a pointer that is not a live heap allocation.
	ErrInvalidPointer = errors.New("heap: invalid pointer")

	// ErrInvalidAlignment indicates an alignment that is not a power of two.
	ErrInvalidAlignment = errors.New("heap: alignment must be a power of two")

	// ErrInvalidConfig indicates a size class count outside [2, 64].
	ErrInvalidConfig = errors.New("heap: invalid configuration")

	// ErrCorrupt indicates an internal invariant no longer holds.
	ErrCorrupt = errors.New("heap: corrupt")
)
