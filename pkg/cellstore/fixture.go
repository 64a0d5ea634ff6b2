package cellstore

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// FixtureVersion is the fixture format written by Export.
const FixtureVersion = 1

// Fixture is a portable set of cells, used to seed stores and tests.
type Fixture struct {
	Version int      `cbor:"1,keyasint"`
	Cells   []Record `cbor:"2,keyasint"`
}

// Export writes every cell in s to w as a CBOR fixture and returns how many
// were written.
func Export(s Store, w io.Writer) (int, error) {
	fx := Fixture{Version: FixtureVersion}
	err := s.ForEach(func(rec *Record) error {
		fx.Cells = append(fx.Cells, *rec)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := cbor.NewEncoder(w).Encode(fx); err != nil {
		return 0, fmt.Errorf("encode fixture: %w", err)
	}
	return len(fx.Cells), nil
}

// ReadFixture decodes a fixture from r.
func ReadFixture(r io.Reader) (*Fixture, error) {
	var fx Fixture
	if err := cbor.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if fx.Version != FixtureVersion {
		return nil, fmt.Errorf("unsupported fixture version %d", fx.Version)
	}
	return &fx, nil
}

// Import stores every cell of the fixture read from r and returns how many
// were stored.
func Import(s Store, r io.Reader) (int, error) {
	fx, err := ReadFixture(r)
	if err != nil {
		return 0, err
	}
	for i := range fx.Cells {
		if err := s.Put(&fx.Cells[i]); err != nil {
			return i, fmt.Errorf("store %s: %w", fx.Cells[i].OutPoint, err)
		}
	}
	return len(fx.Cells), nil
}
