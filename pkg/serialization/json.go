package serialization

import (
	"encoding/json"
	"io"
)

type jsonStream struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonStream) Decode(v any) error {
	return j.dec.Decode(v)
}

func (j *jsonStream) Encode(v any) error {
	return j.enc.Encode(v)
}

// newJSONDecoder reads one JSON document per Decode call.
func newJSONDecoder(r io.Reader) Decoder {
	return &jsonStream{dec: json.NewDecoder(r)}
}

// newJSONEncoder leaves model keys (URLs) unescaped so records stay readable.
func newJSONEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonStream{enc: enc}
}
