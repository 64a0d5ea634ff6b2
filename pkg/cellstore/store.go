// Package cellstore persists the cells the development host serves to
// guests, so that transactions can be assembled from cells added earlier.
//
// Two backends are provided: a bbolt file and a badger directory. Both store
// each cell under its out point as a CBOR record, compressed with zstd once
// it passes a size threshold.
package cellstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/host/sim"
	"github.com/fortiblox/cellrt/pkg/script"
)

var (
	// ErrCellNotFound is returned when no cell is stored under an out point.
	ErrCellNotFound = errors.New("cell not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("cellstore closed")

	// ErrCorrupt is returned for a stored value that cannot be decoded.
	ErrCorrupt = errors.New("cellstore: corrupt record")
)

// Backend names.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// DefaultCompressThreshold is the encoded size above which records are
// compressed.
const DefaultCompressThreshold = 4096

// Record is one stored cell.
type Record struct {
	OutPoint types.OutPoint `cbor:"1,keyasint"`
	Capacity uint64         `cbor:"2,keyasint"`
	Lock     script.Script  `cbor:"3,keyasint"`
	Type     *script.Script `cbor:"4,keyasint,omitempty"`
	Data     []byte         `cbor:"5,keyasint"`
}

// NewRecord returns the record storing c under op.
func NewRecord(op types.OutPoint, c sim.Cell) *Record {
	return &Record{
		OutPoint: op,
		Capacity: c.Output.Capacity,
		Lock:     c.Output.Lock,
		Type:     c.Output.Type,
		Data:     c.Data,
	}
}

// Cell returns the record as a cell the simulated host can serve.
func (r *Record) Cell() sim.Cell {
	return sim.Cell{
		Output: script.CellOutput{Capacity: r.Capacity, Lock: r.Lock, Type: r.Type},
		Data:   r.Data,
	}
}

// Store is a persistent set of cells keyed by out point.
type Store interface {
	Get(op types.OutPoint) (*Record, error)
	Put(rec *Record) error
	Delete(op types.OutPoint) error
	Has(op types.OutPoint) (bool, error)

	// ForEach calls fn for every record in out point order, stopping at
	// the first error.
	ForEach(fn func(*Record) error) error

	Count() uint64
	Close() error
}

// Config holds cell store options.
type Config struct {
	// Backend is BackendBolt or BackendBadger.
	Backend string

	// Path is the bolt database file or the badger directory.
	Path string

	// CompressThreshold is the encoded size above which records are
	// compressed. Zero means DefaultCompressThreshold.
	CompressThreshold int

	// InMemory runs the badger backend without touching disk.
	InMemory bool
}

// Open opens the store cfg describes.
func Open(cfg Config) (Store, error) {
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	c, err := newCodec(cfg.CompressThreshold)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", BackendBolt:
		return openBolt(cfg.Path, c)
	case BackendBadger:
		return openBadger(cfg.Path, cfg.InMemory, c)
	default:
		return nil, fmt.Errorf("unknown cellstore backend %q", cfg.Backend)
	}
}

// EncodeKey returns the storage key for op: the transaction hash followed
// by the big-endian index, so keys sort by transaction then index.
func EncodeKey(op types.OutPoint) []byte {
	key := make([]byte, types.HashSize+4)
	copy(key, op.TxHash[:])
	binary.BigEndian.PutUint32(key[types.HashSize:], op.Index)
	return key
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(key []byte) (types.OutPoint, error) {
	var op types.OutPoint
	if len(key) != types.HashSize+4 {
		return op, fmt.Errorf("%w: key is %d bytes", ErrCorrupt, len(key))
	}
	copy(op.TxHash[:], key)
	op.Index = binary.BigEndian.Uint32(key[types.HashSize:])
	return op, nil
}
