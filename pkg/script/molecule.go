package script

import (
	"encoding/binary"
	"fmt"
)

// Molecule tables are laid out as
//
//	| total_size u32 | offset u32 * fields | field bytes ... |
//
// with every integer little-endian and offsets relative to the table start.
// A fixvec of bytes is | length u32 | bytes |.

const numberSize = 4

// table encodes fields as a molecule table.
func table(fields ...[]byte) []byte {
	header := numberSize * (1 + len(fields))
	total := header
	for _, f := range fields {
		total += len(f)
	}
	out := make([]byte, header, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	off := header
	for i, f := range fields {
		binary.LittleEndian.PutUint32(out[numberSize*(1+i):], uint32(off))
		off += len(f)
		out = append(out, f...)
	}
	return out
}

// fixvec encodes b as a molecule Bytes.
func fixvec(b []byte) []byte {
	out := make([]byte, numberSize, numberSize+len(b))
	binary.LittleEndian.PutUint32(out, uint32(len(b)))
	return append(out, b...)
}

// readTable splits a molecule table into its fields. Tables written by a
// newer schema may carry extra trailing fields; compatible allows them.
func readTable(b []byte, want int, compatible bool) ([][]byte, error) {
	if len(b) < numberSize {
		return nil, fmt.Errorf("%w: table header truncated", ErrEncoding)
	}
	total := int(binary.LittleEndian.Uint32(b))
	if total != len(b) {
		return nil, fmt.Errorf("%w: table size %d, have %d bytes", ErrEncoding, total, len(b))
	}
	if total == numberSize {
		if want == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: empty table, want %d fields", ErrEncoding, want)
	}
	if total < numberSize*2 {
		return nil, fmt.Errorf("%w: table header truncated", ErrEncoding)
	}
	first := int(binary.LittleEndian.Uint32(b[numberSize:]))
	if first%numberSize != 0 || first < numberSize*2 || first > total {
		return nil, fmt.Errorf("%w: bad first offset %d", ErrEncoding, first)
	}
	count := first/numberSize - 1
	if count < want || (count > want && !compatible) {
		return nil, fmt.Errorf("%w: table has %d fields, want %d", ErrEncoding, count, want)
	}

	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint32(b[numberSize*(1+i):]))
	}
	offsets[count] = total
	fields := make([][]byte, want)
	for i := 0; i < want; i++ {
		start, end := offsets[i], offsets[i+1]
		if start > end || end > total {
			return nil, fmt.Errorf("%w: field %d spans [%d, %d)", ErrEncoding, i, start, end)
		}
		fields[i] = b[start:end]
	}
	return fields, nil
}

// readFixvec decodes a molecule Bytes.
func readFixvec(b []byte) ([]byte, error) {
	if len(b) < numberSize {
		return nil, fmt.Errorf("%w: bytes header truncated", ErrEncoding)
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n)+numberSize != uint64(len(b)) {
		return nil, fmt.Errorf("%w: bytes length %d, have %d", ErrEncoding, n, len(b)-numberSize)
	}
	return b[numberSize:], nil
}
