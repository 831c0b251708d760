// Package serialization encodes the records kept by the persistent stores.
package serialization

import (
	"bytes"
	"fmt"
	"io"
)

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder reads one value from a stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes one value to a stream.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs an encoder and decoder constructor under a type name.
type Codec struct {
	Type       string
	NewEncoder func(io.Writer) Encoder
	NewDecoder func(io.Reader) Decoder
}

// JSON is the default codec.
var JSON = Codec{Type: JSONType, NewEncoder: newJSONEncoder, NewDecoder: newJSONDecoder}

// Gob is the compact binary codec.
var Gob = Codec{Type: GobType, NewEncoder: newGobEncoder, NewDecoder: newGobDecoder}

// ByType returns the codec registered under name.
func ByType(name string) (Codec, error) {
	switch name {
	case JSONType:
		return JSON, nil
	case GobType:
		return Gob, nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}

// Marshal encodes v into a byte slice.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", c.Type, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	if err := c.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", c.Type, err)
	}
	return nil
}
