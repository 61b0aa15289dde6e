package pubsub

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts between message values and wire payloads.
type Codec interface {
	// Name identifies the codec in configuration ("json", "cbor").
	Name() string

	// Encode serialises a value for publishing.
	Encode(v any) ([]byte, error)

	// Decode parses a payload into v, which must be a pointer.
	Decode(data []byte, v any) error
}

// JSONCodec encodes payloads as JSON. It is the default codec.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Encode marshals v to JSON. Raw JSON passed as json.RawMessage is sent as is.
func (JSONCodec) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return raw, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals JSON into v.
func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CBOR modes shared by every CBORCodec.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Decode untyped maps as map[string]any so values look the same as JSON.
	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBORCodec encodes payloads as canonical CBOR (RFC 8949).
type CBORCodec struct{}

// Name returns "cbor".
func (CBORCodec) Name() string { return "cbor" }

// Encode marshals v to CBOR.
func (CBORCodec) Encode(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Decode unmarshals CBOR into v.
func (CBORCodec) Decode(data []byte, v any) error {
	return cborDecMode.Unmarshal(data, v)
}

// CodecByName returns the codec for a configuration name.
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
