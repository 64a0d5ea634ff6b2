// Package host defines the contract between the guest runtime and the VM
// host: the variable-length load primitives, the exit primitive and the
// debug channel.
//
// Every load primitive follows the same shape. The guest passes a buffer
// (nil to probe) and an offset plus the primitive's fixed arguments; the
// host copies as much of the item as fits, starting at offset, and returns
// the full length of the item past offset together with a status.
package host

import (
	"fmt"

	"github.com/fortiblox/cellrt/internal/types"
)

// Status is a host status code. Zero is success; other values are passed
// through the runtime unchanged.
type Status uint64

// Host status codes.
const (
	Success         Status = 0
	IndexOutOfBound Status = 1
	ItemMissing     Status = 2
	LengthNotEnough Status = 3
	InvalidData     Status = 4
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case IndexOutOfBound:
		return "index out of bound"
	case ItemMissing:
		return "item missing"
	case LengthNotEnough:
		return "length not enough"
	case InvalidData:
		return "invalid data"
	default:
		return fmt.Sprintf("status(%d)", uint64(s))
	}
}

// Host is the set of primitives a VM exposes to the guest.
type Host interface {
	// Primitives taking only an offset.
	LoadTxHash(buf []byte, offset uint64) (uint64, Status)
	LoadScriptHash(buf []byte, offset uint64) (uint64, Status)
	LoadScript(buf []byte, offset uint64) (uint64, Status)
	LoadTransaction(buf []byte, offset uint64) (uint64, Status)

	// Primitives addressing one item of a source class.
	LoadCell(buf []byte, offset, index uint64, source types.Source) (uint64, Status)
	LoadInput(buf []byte, offset, index uint64, source types.Source) (uint64, Status)
	LoadHeader(buf []byte, offset, index uint64, source types.Source) (uint64, Status)
	LoadWitness(buf []byte, offset, index uint64, source types.Source) (uint64, Status)
	LoadCellData(buf []byte, offset, index uint64, source types.Source) (uint64, Status)

	// Primitives addressing one field of an item.
	LoadCellByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, Status)
	LoadInputByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, Status)
	LoadHeaderByField(buf []byte, offset, index uint64, source types.Source, field uint64) (uint64, Status)

	// Exit terminates the guest with code. It never returns.
	Exit(code int8)

	// Debug writes a message to the host's debug channel.
	Debug(msg string)
}

// Exited is the panic value hosts that run in-process use to unwind the
// guest when it calls Exit.
type Exited struct {
	Code int8
}

func (e Exited) String() string {
	return fmt.Sprintf("guest exited with code %d", e.Code)
}

// Store copies the part of item starting at offset into buf and returns
// the full remaining length. It is the common body of every load primitive.
// An offset past the end of item yields an empty result.
func Store(buf []byte, offset uint64, item []byte) (uint64, Status) {
	if offset > uint64(len(item)) {
		offset = uint64(len(item))
	}
	rest := item[offset:]
	copy(buf, rest)
	return uint64(len(rest)), Success
}
