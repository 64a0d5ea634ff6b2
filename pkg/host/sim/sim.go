// Package sim is an in-process host for running the guest runtime outside a
// real VM. It serves a transaction's cells, scripts and witnesses through the
// load primitives, meters cycles, and turns Exit into an unwinding panic that
// Run recovers.
package sim

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/host"
)

// Config configures a simulated host.
type Config struct {
	Hasher    Hasher
	MaxCycles uint64
	Logger    log.Logger
	Metrics   *Metrics
}

// Host serves one transaction to one guest. It is not safe for concurrent use.
type Host struct {
	tx      *Tx
	hasher  Hasher
	meter   *Meter
	logger  log.Logger
	metrics *Metrics

	scriptHash types.Hash
	debug      []string
}

var _ host.Host = (*Host)(nil)

// cyclesExceeded unwinds the guest when the meter runs out.
type cyclesExceeded struct {
	err error
}

// New creates a host serving tx.
func New(tx *Tx, cfg Config) *Host {
	if cfg.Hasher == nil {
		cfg.Hasher = blake3Hasher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	h := &Host{
		tx:      tx,
		hasher:  cfg.Hasher,
		meter:   NewMeter(cfg.MaxCycles),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	h.scriptHash = h.hasher.Sum(tx.Script.Encode())
	return h
}

// Hasher returns the host's hash function.
func (h *Host) Hasher() Hasher {
	return h.hasher
}

// Meter returns the cycle meter.
func (h *Host) Meter() *Meter {
	return h.meter
}

// ScriptHash returns the hash of the running script.
func (h *Host) ScriptHash() types.Hash {
	return h.scriptHash
}

// DebugOutput returns every message the guest wrote with Debug.
func (h *Host) DebugOutput() []string {
	return h.debug
}

// Run calls fn as the guest entry point and returns its exit code. A guest
// Exit unwinds to here and its code is returned. Exhausting the cycle budget
// returns ErrCyclesExceeded.
func (h *Host) Run(fn func() int8) (code int8, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case host.Exited:
			code, err = v.Code, nil
		case cyclesExceeded:
			code, err = -1, v.err
		default:
			panic(r)
		}
		h.finish(code, err)
	}()
	code = fn()
	h.finish(code, nil)
	return code, nil
}

func (h *Host) finish(code int8, err error) {
	h.metrics.Exits.WithLabelValues(strconv.Itoa(int(code))).Inc()
	h.metrics.Cycles.Set(float64(h.meter.Consumed()))
	if err != nil {
		level.Warn(h.logger).Log("msg", "guest aborted", "cycles", h.meter.Consumed(), "err", err)
		return
	}
	level.Debug(h.logger).Log("msg", "guest finished", "code", code, "cycles", h.meter.Consumed())
}

// Exit unwinds the guest with code.
func (h *Host) Exit(code int8) {
	panic(host.Exited{Code: code})
}

// Debug records a guest message.
func (h *Host) Debug(msg string) {
	h.debug = append(h.debug, msg)
	level.Debug(h.logger).Log("msg", "guest debug", "text", msg)
}

// serve stores item into buf and charges for the call.
func (h *Host) serve(name string, buf []byte, offset uint64, item []byte, st host.Status) (uint64, host.Status) {
	var n uint64
	if st == host.Success {
		n, st = host.Store(buf, offset, item)
	}
	copied := uint64(len(buf))
	if n < copied {
		copied = n
	}
	h.metrics.Syscalls.WithLabelValues(name, st.String()).Inc()
	h.metrics.BytesLoaded.Add(float64(copied))
	if err := h.meter.Consume(CyclesSyscallBase + copied*CyclesPerByte); err != nil {
		panic(cyclesExceeded{err: fmt.Errorf("%s: %w", name, err)})
	}
	return n, st
}

func (h *Host) LoadTxHash(buf []byte, offset uint64) (uint64, host.Status) {
	sum := h.hasher.Sum(h.tx.Raw)
	return h.serve("load_tx_hash", buf, offset, sum[:], host.Success)
}

func (h *Host) LoadScriptHash(buf []byte, offset uint64) (uint64, host.Status) {
	return h.serve("load_script_hash", buf, offset, h.scriptHash[:], host.Success)
}

func (h *Host) LoadScript(buf []byte, offset uint64) (uint64, host.Status) {
	return h.serve("load_script", buf, offset, h.tx.Script.Encode(), host.Success)
}

func (h *Host) LoadTransaction(buf []byte, offset uint64) (uint64, host.Status) {
	return h.serve("load_transaction", buf, offset, h.tx.Raw, host.Success)
}

func (h *Host) LoadCell(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	c, st := h.cell(index, source)
	var item []byte
	if st == host.Success {
		item = c.Output.Encode()
	}
	return h.serve("load_cell", buf, offset, item, st)
}

func (h *Host) LoadCellData(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	c, st := h.cell(index, source)
	return h.serve("load_cell_data", buf, offset, c.Data, st)
}

func (h *Host) LoadCellByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, host.Status) {
	c, st := h.cell(index, source)
	var item []byte
	if st == host.Success {
		item, st = h.cellField(c, types.CellField(field))
	}
	return h.serve("load_cell_by_field", buf, offset, item, st)
}

func (h *Host) LoadInput(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	in, st := h.input(index, source)
	var item []byte
	if st == host.Success {
		item = in.encode()
	}
	return h.serve("load_input", buf, offset, item, st)
}

func (h *Host) LoadInputByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, host.Status) {
	in, st := h.input(index, source)
	var item []byte
	if st == host.Success {
		switch field {
		case types.InputFieldOutPoint:
			item = in.encodeOutPoint()
		case types.InputFieldSince:
			item = u64(in.Since)
		default:
			st = host.InvalidData
		}
	}
	return h.serve("load_input_by_field", buf, offset, item, st)
}

func (h *Host) LoadHeader(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	hd, st := h.header(index, source)
	return h.serve("load_header", buf, offset, hd.Raw, st)
}

func (h *Host) LoadHeaderByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, host.Status) {
	hd, st := h.header(index, source)
	var item []byte
	if st == host.Success {
		switch field {
		case types.HeaderFieldEpochNumber:
			item = u64(hd.EpochNumber)
		case types.HeaderFieldEpochStartBlockNumber:
			item = u64(hd.EpochStartBlockNumber)
		case types.HeaderFieldEpochLength:
			item = u64(hd.EpochLength)
		default:
			st = host.InvalidData
		}
	}
	return h.serve("load_header_by_field", buf, offset, item, st)
}

func (h *Host) LoadWitness(buf []byte, offset, index uint64, source types.Source) (uint64, host.Status) {
	i, st := h.witnessIndex(index, source)
	var item []byte
	if st == host.Success {
		if i >= uint64(len(h.tx.Witnesses)) {
			st = host.IndexOutOfBound
		} else {
			item = h.tx.Witnesses[i]
		}
	}
	return h.serve("load_witness", buf, offset, item, st)
}

// cell returns the cell at index in source.
func (h *Host) cell(index uint64, source types.Source) (Cell, host.Status) {
	switch source {
	case types.SourceInput:
		if index >= uint64(len(h.tx.Inputs)) {
			return Cell{}, host.IndexOutOfBound
		}
		return h.tx.Inputs[index].Cell, host.Success
	case types.SourceOutput:
		return at(h.tx.Outputs, index)
	case types.SourceCellDep:
		return at(h.tx.CellDeps, index)
	case types.SourceGroupInput:
		i, st := h.groupIndex(index, true)
		if st != host.Success {
			return Cell{}, st
		}
		return h.tx.Inputs[i].Cell, host.Success
	case types.SourceGroupOutput:
		i, st := h.groupIndex(index, false)
		if st != host.Success {
			return Cell{}, st
		}
		return h.tx.Outputs[i], host.Success
	case types.SourceHeaderDep:
		return Cell{}, host.IndexOutOfBound
	default:
		return Cell{}, host.InvalidData
	}
}

func at(cells []Cell, index uint64) (Cell, host.Status) {
	if index >= uint64(len(cells)) {
		return Cell{}, host.IndexOutOfBound
	}
	return cells[index], host.Success
}

// cellField returns one field of a cell. Type fields of a cell without a
// type script are missing.
func (h *Host) cellField(c Cell, field types.CellField) ([]byte, host.Status) {
	switch field {
	case types.CellFieldCapacity:
		return u64(c.Output.Capacity), host.Success
	case types.CellFieldDataHash:
		sum := h.hasher.Sum(c.Data)
		return sum[:], host.Success
	case types.CellFieldLock:
		return c.Output.Lock.Encode(), host.Success
	case types.CellFieldLockHash:
		sum := h.hasher.Sum(c.Output.Lock.Encode())
		return sum[:], host.Success
	case types.CellFieldType:
		if c.Output.Type == nil {
			return nil, host.ItemMissing
		}
		return c.Output.Type.Encode(), host.Success
	case types.CellFieldTypeHash:
		if c.Output.Type == nil {
			return nil, host.ItemMissing
		}
		sum := h.hasher.Sum(c.Output.Type.Encode())
		return sum[:], host.Success
	case types.CellFieldOccupiedCapacity:
		return u64(c.occupied()), host.Success
	default:
		return nil, host.InvalidData
	}
}

func (h *Host) input(index uint64, source types.Source) (Input, host.Status) {
	switch source {
	case types.SourceInput:
		if index >= uint64(len(h.tx.Inputs)) {
			return Input{}, host.IndexOutOfBound
		}
		return h.tx.Inputs[index], host.Success
	case types.SourceGroupInput:
		i, st := h.groupIndex(index, true)
		if st != host.Success {
			return Input{}, st
		}
		return h.tx.Inputs[i], host.Success
	case types.SourceOutput, types.SourceGroupOutput, types.SourceCellDep, types.SourceHeaderDep:
		return Input{}, host.IndexOutOfBound
	default:
		return Input{}, host.InvalidData
	}
}

func (h *Host) header(index uint64, source types.Source) (Header, host.Status) {
	switch source {
	case types.SourceHeaderDep:
		if index >= uint64(len(h.tx.HeaderDeps)) {
			return Header{}, host.IndexOutOfBound
		}
		return h.tx.HeaderDeps[index], host.Success
	case types.SourceInput, types.SourceCellDep, types.SourceGroupInput:
		// Cells carry no block reference in this host.
		return Header{}, host.ItemMissing
	case types.SourceOutput, types.SourceGroupOutput:
		return Header{}, host.IndexOutOfBound
	default:
		return Header{}, host.InvalidData
	}
}

// witnessIndex maps a source index to a position in the witness list.
// Group sources are mapped through the group's cells.
func (h *Host) witnessIndex(index uint64, source types.Source) (uint64, host.Status) {
	switch source {
	case types.SourceInput, types.SourceOutput:
		return index, host.Success
	case types.SourceGroupInput:
		return h.groupIndex(index, true)
	case types.SourceGroupOutput:
		return h.groupIndex(index, false)
	case types.SourceCellDep, types.SourceHeaderDep:
		return 0, host.IndexOutOfBound
	default:
		return 0, host.InvalidData
	}
}

// groupIndex returns the position of the index-th input or output whose lock
// or type script is the running script.
func (h *Host) groupIndex(index uint64, inputs bool) (uint64, host.Status) {
	var seen uint64
	n := len(h.tx.Outputs)
	if inputs {
		n = len(h.tx.Inputs)
	}
	for i := 0; i < n; i++ {
		var cell Cell
		if inputs {
			cell = h.tx.Inputs[i].Cell
		} else {
			cell = h.tx.Outputs[i]
		}
		if !h.inGroup(cell) {
			continue
		}
		if seen == index {
			return uint64(i), host.Success
		}
		seen++
	}
	return 0, host.IndexOutOfBound
}

func (h *Host) inGroup(c Cell) bool {
	if h.hasher.Sum(c.Output.Lock.Encode()) == h.scriptHash {
		return true
	}
	return c.Output.Type != nil && h.hasher.Sum(c.Output.Type.Encode()) == h.scriptHash
}

func u64(x uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	return b
}
