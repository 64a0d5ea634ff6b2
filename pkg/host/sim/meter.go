package sim

import (
	"errors"
	"sync/atomic"
)

// Cycle costs charged by the simulated host.
const (
	CyclesDefault     = uint64(70_000_000)    // default per-script limit
	CyclesMax         = uint64(3_500_000_000) // largest limit accepted
	CyclesSyscallBase = uint64(500)           // every primitive call
	CyclesPerByte     = uint64(1)             // each byte copied to the guest
)

var (
	// ErrCyclesExceeded is returned when the cycle budget is exhausted.
	ErrCyclesExceeded = errors.New("cycle limit exceeded")
)

// Meter tracks cycle consumption.
type Meter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewMeter creates a meter with the specified limit.
func NewMeter(limit uint64) *Meter {
	if limit == 0 {
		limit = CyclesDefault
	}
	if limit > CyclesMax {
		limit = CyclesMax
	}
	return &Meter{
		remaining: limit,
		limit:     limit,
	}
}

// NewMeterDisabled creates a meter that never runs out (for testing).
func NewMeterDisabled() *Meter {
	return &Meter{
		remaining: CyclesMax,
		limit:     CyclesMax,
		disabled:  true,
	}
}

// Consume charges cost cycles.
// Returns ErrCyclesExceeded if insufficient cycles remain.
func (m *Meter) Consume(cost uint64) error {
	if m.disabled {
		atomic.AddUint64(&m.consumed, cost)
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&m.remaining)
		if remaining < cost {
			atomic.StoreUint64(&m.remaining, 0)
			return ErrCyclesExceeded
		}
		if atomic.CompareAndSwapUint64(&m.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&m.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining cycles.
func (m *Meter) Remaining() uint64 {
	return atomic.LoadUint64(&m.remaining)
}

// Consumed returns the total consumed cycles.
func (m *Meter) Consumed() uint64 {
	return atomic.LoadUint64(&m.consumed)
}

// Limit returns the cycle limit.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Reset restores the full budget.
func (m *Meter) Reset() {
	atomic.StoreUint64(&m.remaining, m.limit)
	atomic.StoreUint64(&m.consumed, 0)
}
