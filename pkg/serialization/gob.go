package serialization

import (
	"encoding/gob"
	"io"
)

// gobStream wraps a gob decoder or encoder. Each stream carries its own type
// descriptors, so one record must be written per stream.
type gobStream struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *gobStream) Decode(v any) error {
	return g.dec.Decode(v)
}

func (g *gobStream) Encode(v any) error {
	return g.enc.Encode(v)
}

func newGobDecoder(r io.Reader) Decoder {
	return &gobStream{dec: gob.NewDecoder(r)}
}

func newGobEncoder(w io.Writer) Encoder {
	return &gobStream{enc: gob.NewEncoder(w)}
}
