// Package types defines the core identifiers shared by the guest runtime and
// the host: content hashes, source classes, field selectors and hash types.
//
// The numeric values follow the host syscall ABI and must not be changed.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	HashSize = 32
)

var (
	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

	// ErrInvalidHashType is returned for a hash type byte the host does not define.
	ErrInvalidHashType = errors.New("invalid hash type")
)

// Hash is a 32-byte content hash as computed by the host.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// ParseHash accepts either the 0x-prefixed hex form or base58.
func ParseHash(s string) (Hash, error) {
	if strings.HasPrefix(s, "0x") {
		return HashFromHex(s)
	}
	return HashFromBase58(s)
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the 0x-prefixed hex representation.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// OutPoint names a cell by the transaction that created it.
type OutPoint struct {
	TxHash Hash   `cbor:"1,keyasint"`
	Index  uint32 `cbor:"2,keyasint"`
}

// String returns "txhash:index".
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxHash.Hex(), o.Index)
}

// ParseOutPoint parses the "txhash:index" form returned by String.
func ParseOutPoint(s string) (OutPoint, error) {
	var o OutPoint
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return o, fmt.Errorf("out point %q: missing index", s)
	}
	h, err := ParseHash(s[:i])
	if err != nil {
		return o, fmt.Errorf("out point %q: %w", s, err)
	}
	index, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return o, fmt.Errorf("out point %q: %w", s, err)
	}
	return OutPoint{TxHash: h, Index: uint32(index)}, nil
}

// Source selects which host-indexed list an index refers to.
type Source uint64

// Source classes.
const (
	SourceInput       Source = 1
	SourceOutput      Source = 2
	SourceCellDep     Source = 3
	SourceHeaderDep   Source = 4
	SourceGroupInput  Source = 0x0100000000000001
	SourceGroupOutput Source = 0x0100000000000002
)

func (s Source) String() string {
	switch s {
	case SourceInput:
		return "input"
	case SourceOutput:
		return "output"
	case SourceCellDep:
		return "cell_dep"
	case SourceHeaderDep:
		return "header_dep"
	case SourceGroupInput:
		return "group_input"
	case SourceGroupOutput:
		return "group_output"
	default:
		return fmt.Sprintf("source(%d)", uint64(s))
	}
}

// CellField selects one field of a cell for the by-field load primitive.
type CellField uint64

// Cell fields.
const (
	CellFieldCapacity         CellField = 0
	CellFieldDataHash         CellField = 1
	CellFieldLock             CellField = 2
	CellFieldLockHash         CellField = 3
	CellFieldType             CellField = 4
	CellFieldTypeHash         CellField = 5
	CellFieldOccupiedCapacity CellField = 6
)

// Input fields.
const (
	InputFieldOutPoint uint64 = 0
	InputFieldSince    uint64 = 1
)

// Header fields.
const (
	HeaderFieldEpochNumber           uint64 = 0
	HeaderFieldEpochStartBlockNumber uint64 = 1
	HeaderFieldEpochLength           uint64 = 2
)

// HashType says how a script's code hash is matched against cells.
type HashType uint8

// Hash types.
const (
	HashTypeData  HashType = 0
	HashTypeType  HashType = 1
	HashTypeData1 HashType = 2
	HashTypeData2 HashType = 4
)

// Field returns the cell field a candidate must be compared on.
func (t HashType) Field() (CellField, error) {
	switch t {
	case HashTypeType:
		return CellFieldTypeHash, nil
	case HashTypeData, HashTypeData1, HashTypeData2:
		return CellFieldDataHash, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidHashType, t)
	}
}

func (t HashType) String() string {
	switch t {
	case HashTypeData:
		return "data"
	case HashTypeType:
		return "type"
	case HashTypeData1:
		return "data1"
	case HashTypeData2:
		return "data2"
	default:
		return fmt.Sprintf("hash_type(%d)", uint8(t))
	}
}

// ParseHashType parses the textual form used by the CLI and config files.
func ParseHashType(s string) (HashType, error) {
	switch strings.ToLower(s) {
	case "data":
		return HashTypeData, nil
	case "type":
		return HashTypeType, nil
	case "data1":
		return HashTypeData1, nil
	case "data2":
		return HashTypeData2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidHashType, s)
	}
}
