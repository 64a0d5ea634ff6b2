package sim

import (
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/cellrt/internal/types"
)

// Hasher computes the content hashes the host exposes for cells and scripts.
type Hasher interface {
	Name() string
	Sum(data []byte) types.Hash
}

// Hasher names accepted by NewHasher.
const (
	HasherBlake3 = "blake3"
	HasherSHA3   = "sha3-256"
)

// NewHasher returns the hasher registered under name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", HasherBlake3:
		return blake3Hasher{}, nil
	case HasherSHA3:
		return sha3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

type blake3Hasher struct{}

func (blake3Hasher) Name() string { return HasherBlake3 }

func (blake3Hasher) Sum(data []byte) types.Hash {
	return types.Hash(blake3.Sum256(data))
}

type sha3Hasher struct{}

func (sha3Hasher) Name() string { return HasherSHA3 }

func (sha3Hasher) Sum(data []byte) types.Hash {
	return types.Hash(sha3.Sum256(data))
}
