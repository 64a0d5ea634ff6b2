package cellstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/cellrt/internal/types"
)

// Bucket names.
var (
	// bucketCells stores records keyed by EncodeKey.
	bucketCells = []byte("cells")

	// bucketMetadata stores store-wide counters.
	bucketMetadata = []byte("metadata")
)

var keyCellCount = []byte("cell_count")

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db    *bolt.DB
	codec *codec

	mu     sync.RWMutex
	count  uint64
	closed bool
}

func openBolt(path string, c *codec) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{db: db, codec: c}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCells, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		if v := tx.Bucket(bucketMetadata).Get(keyCellCount); len(v) == 8 {
			s.count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return s, nil
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get retrieves the cell stored under op.
func (s *BoltStore) Get(op types.OutPoint) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCells).Get(EncodeKey(op))
		if data == nil {
			return ErrCellNotFound
		}
		var err error
		rec, err = s.codec.decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores rec, replacing any cell under the same out point.
func (s *BoltStore) Put(rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	val, err := s.codec.encode(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		cells := tx.Bucket(bucketCells)
		key := EncodeKey(rec.OutPoint)
		count := s.count
		if cells.Get(key) == nil {
			count++
		}
		if err := cells.Put(key, val); err != nil {
			return err
		}
		if err := putCount(tx, count); err != nil {
			return err
		}
		s.count = count
		return nil
	})
}

// Delete removes the cell stored under op.
func (s *BoltStore) Delete(op types.OutPoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		cells := tx.Bucket(bucketCells)
		key := EncodeKey(op)
		if cells.Get(key) == nil {
			return ErrCellNotFound
		}
		if err := cells.Delete(key); err != nil {
			return err
		}
		if err := putCount(tx, s.count-1); err != nil {
			return err
		}
		s.count--
		return nil
	})
}

func putCount(tx *bolt.Tx, count uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], count)
	return tx.Bucket(bucketMetadata).Put(keyCellCount, v[:])
}

// Has reports whether a cell is stored under op.
func (s *BoltStore) Has(op types.OutPoint) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCells).Get(EncodeKey(op)) != nil
		return nil
	})
	return found, err
}

// ForEach calls fn for every stored cell in out point order.
func (s *BoltStore) ForEach(fn func(*Record) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCells).ForEach(func(k, v []byte) error {
			rec, err := s.codec.decode(v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// Count returns the number of stored cells.
func (s *BoltStore) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.codec.close()
	return s.db.Close()
}
