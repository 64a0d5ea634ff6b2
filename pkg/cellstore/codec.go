package cellstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Value tags. Every stored value starts with one.
const (
	tagRaw  byte = 0
	tagZstd byte = 1
)

// codec turns records into stored values and back.
type codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func newCodec(threshold int) (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{threshold: threshold, enc: enc, dec: dec}, nil
}

func (c *codec) encode(rec *Record) ([]byte, error) {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if len(data) <= c.threshold {
		return append([]byte{tagRaw}, data...), nil
	}
	return c.enc.EncodeAll(data, []byte{tagZstd}), nil
}

func (c *codec) decode(val []byte) (*Record, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrCorrupt)
	}
	data := val[1:]
	switch val[0] {
	case tagRaw:
	case tagZstd:
		var err error
		data, err = c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown value tag %d", ErrCorrupt, val[0])
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &rec, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
