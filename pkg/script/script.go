// Package script decodes and encodes the host's binary records that the
// runtime reads: the running Script, cell outputs, and the loader's argument
// layout inside a script's args.
package script

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/cellrt/internal/types"
)

// Loader args layout: | flags (2) | code hash (32) | hash type (1) | ...
const (
	FlagsSize      = 2
	HashTypeSize   = 1
	LoaderArgsSize = FlagsSize + types.HashSize + HashTypeSize

	// FlagFilesystem marks the referenced cell as a packed filesystem.
	FlagFilesystem uint16 = 1 << 0
)

var (
	// ErrEncoding indicates a record that does not verify.
	ErrEncoding = errors.New("script: malformed record")

	// ErrArgsFormat indicates args too short for the loader layout.
	ErrArgsFormat = errors.New("script: invalid args format")
)

// Script is the lock or type program of a cell.
type Script struct {
	CodeHash types.Hash     `cbor:"1,keyasint"`
	HashType types.HashType `cbor:"2,keyasint"`
	Args     []byte         `cbor:"3,keyasint"`
}

// Encode returns the molecule encoding of s.
func (s Script) Encode() []byte {
	return table(s.CodeHash[:], []byte{byte(s.HashType)}, fixvec(s.Args))
}

// Decode parses a molecule Script. Args alias b.
func Decode(b []byte) (Script, error) {
	var s Script
	fields, err := readTable(b, 3, false)
	if err != nil {
		return s, err
	}
	if len(fields[0]) != types.HashSize {
		return s, fmt.Errorf("%w: code_hash is %d bytes", ErrEncoding, len(fields[0]))
	}
	if len(fields[1]) != HashTypeSize {
		return s, fmt.Errorf("%w: hash_type is %d bytes", ErrEncoding, len(fields[1]))
	}
	args, err := readFixvec(fields[2])
	if err != nil {
		return s, err
	}
	copy(s.CodeHash[:], fields[0])
	s.HashType = types.HashType(fields[1][0])
	s.Args = args
	return s, nil
}

// CellOutput is the fixed part of a cell: its capacity and scripts.
type CellOutput struct {
	Capacity uint64
	Lock     Script
	Type     *Script
}

// Encode returns the molecule encoding of o.
func (o CellOutput) Encode() []byte {
	var capacity [8]byte
	binary.LittleEndian.PutUint64(capacity[:], o.Capacity)
	var typ []byte
	if o.Type != nil {
		typ = o.Type.Encode()
	}
	return table(capacity[:], o.Lock.Encode(), typ)
}

// DecodeCellOutput parses a molecule CellOutput.
func DecodeCellOutput(b []byte) (CellOutput, error) {
	var o CellOutput
	fields, err := readTable(b, 3, true)
	if err != nil {
		return o, err
	}
	if len(fields[0]) != 8 {
		return o, fmt.Errorf("%w: capacity is %d bytes", ErrEncoding, len(fields[0]))
	}
	o.Capacity = binary.LittleEndian.Uint64(fields[0])
	if o.Lock, err = Decode(fields[1]); err != nil {
		return o, fmt.Errorf("lock: %w", err)
	}
	if len(fields[2]) > 0 {
		t, err := Decode(fields[2])
		if err != nil {
			return o, fmt.Errorf("type: %w", err)
		}
		o.Type = &t
	}
	return o, nil
}

// LoaderArgs is the reference a loader script carries in its args.
type LoaderArgs struct {
	Flags    uint16
	CodeHash types.Hash
	HashType types.HashType
	Rest     []byte
}

// Filesystem reports whether the referenced cell is a packed filesystem.
func (a LoaderArgs) Filesystem() bool {
	return a.Flags&FlagFilesystem != 0
}

// ParseLoaderArgs reads the loader layout from a script's args.
func ParseLoaderArgs(args []byte) (LoaderArgs, error) {
	var a LoaderArgs
	if len(args) < LoaderArgsSize {
		return a, fmt.Errorf("%w: %d bytes, want at least %d", ErrArgsFormat, len(args), LoaderArgsSize)
	}
	a.Flags = binary.LittleEndian.Uint16(args)
	copy(a.CodeHash[:], args[FlagsSize:])
	a.HashType = types.HashType(args[FlagsSize+types.HashSize])
	a.Rest = args[LoaderArgsSize:]
	return a, nil
}

// Bytes returns the encoded loader args.
func (a LoaderArgs) Bytes() []byte {
	out := make([]byte, LoaderArgsSize, LoaderArgsSize+len(a.Rest))
	binary.LittleEndian.PutUint16(out, a.Flags)
	copy(out[FlagsSize:], a.CodeHash[:])
	out[FlagsSize+types.HashSize] = byte(a.HashType)
	return append(out, a.Rest...)
}
