package sim

import (
	"encoding/binary"

	"github.com/fortiblox/cellrt/internal/types"
	"github.com/fortiblox/cellrt/pkg/script"
)

// Cell is a live cell: its output record and data.
type Cell struct {
	Output script.CellOutput
	Data   []byte
}

// DataCell returns a cell holding data, with a type script when typ is set.
func DataCell(data []byte, typ *script.Script) Cell {
	return Cell{
		Output: script.CellOutput{Capacity: uint64(len(data)+100) * 100_000_000, Type: typ},
		Data:   data,
	}
}

// occupied returns the capacity the cell occupies, in shannons.
func (c Cell) occupied() uint64 {
	n := uint64(8 + len(c.Data))
	n += types.HashSize + 1 + uint64(len(c.Output.Lock.Args))
	if t := c.Output.Type; t != nil {
		n += types.HashSize + 1 + uint64(len(t.Args))
	}
	return n * 100_000_000
}

// Input spends a previous cell.
type Input struct {
	Cell     Cell
	OutPoint types.OutPoint
	Since    uint64
}

// encode returns the fixed-size CellInput struct: since, then the out point.
func (in Input) encode() []byte {
	b := make([]byte, 8+types.HashSize+4)
	binary.LittleEndian.PutUint64(b, in.Since)
	copy(b[8:], in.encodeOutPoint())
	return b
}

func (in Input) encodeOutPoint() []byte {
	b := make([]byte, types.HashSize+4)
	copy(b, in.OutPoint.TxHash[:])
	binary.LittleEndian.PutUint32(b[types.HashSize:], in.OutPoint.Index)
	return b
}

// Header is a block header referenced by the transaction.
type Header struct {
	Raw                   []byte
	EpochNumber           uint64
	EpochStartBlockNumber uint64
	EpochLength           uint64
}

// Tx is the transaction a script runs in, together with the running script.
type Tx struct {
	Raw        []byte
	Inputs     []Input
	Outputs    []Cell
	CellDeps   []Cell
	HeaderDeps []Header
	Witnesses  [][]byte

	// Script is the script being executed.
	Script script.Script
}
