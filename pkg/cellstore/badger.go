package cellstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/cellrt/internal/types"
)

// Key prefixes. Records and metadata share one keyspace.
var (
	// prefixCell + EncodeKey(out point)
	prefixCell = []byte{0x01}

	// prefixMeta + key name
	prefixMeta = []byte{0x02}

	metaCellCount = append(append([]byte{}, prefixMeta...), "count"...)
)

// BadgerStore implements Store on a badger database.
type BadgerStore struct {
	db    *badger.DB
	codec *codec

	count  atomic.Uint64
	mu     sync.Mutex
	closed atomic.Bool
}

func openBadger(path string, inMemory bool, c *codec) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &BadgerStore{db: db, codec: c}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCellCount)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				s.count.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return s, nil
}

func cellKey(op types.OutPoint) []byte {
	return append(append([]byte{}, prefixCell...), EncodeKey(op)...)
}

// Get retrieves the cell stored under op.
func (s *BadgerStore) Get(op types.OutPoint) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cellKey(op))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCellNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = s.codec.decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores rec, replacing any cell under the same out point.
func (s *BadgerStore) Put(rec *Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	val, err := s.codec.encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.count.Load()
	err = s.db.Update(func(txn *badger.Txn) error {
		key := cellKey(rec.OutPoint)
		_, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			count++
		case err != nil:
			return err
		}
		if err := txn.Set(key, val); err != nil {
			return err
		}
		return txn.Set(metaCellCount, encodeCount(count))
	})
	if err != nil {
		return err
	}
	s.count.Store(count)
	return nil
}

// Delete removes the cell stored under op.
func (s *BadgerStore) Delete(op types.OutPoint) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.count.Load() - 1
	err := s.db.Update(func(txn *badger.Txn) error {
		key := cellKey(op)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrCellNotFound
			}
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set(metaCellCount, encodeCount(count))
	})
	if err != nil {
		return err
	}
	s.count.Store(count)
	return nil
}

func encodeCount(n uint64) []byte {
	v := make([]byte, 8)
	binary.LittleEndian.PutUint64(v, n)
	return v
}

// Has reports whether a cell is stored under op.
func (s *BadgerStore) Has(op types.OutPoint) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(cellKey(op))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

// ForEach calls fn for every stored cell in out point order.
func (s *BadgerStore) ForEach(fn func(*Record) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixCell
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec *Record
			err := it.Item().Value(func(val []byte) error {
				var err error
				rec, err = s.codec.decode(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of stored cells.
func (s *BadgerStore) Count() uint64 {
	return s.count.Load()
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.codec.close()
	return s.db.Close()
}
