// Package rpcjson lets Connect RPC services exchange plain Go structs as
// JSON, so the management and instrument services need no generated
// protobuf code.
//
// The codec registers under the name "json", replacing Connect's default
// protojson codec on both handlers and clients. Numbers inside interface
// values decode as json.Number so integer field values survive the trip.
package rpcjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// Name is the codec name negotiated via the Content-Type header.
const Name = "json"

// Codec implements connect.Codec with encoding/json.
type Codec struct{}

var _ connect.Codec = Codec{}

// Name implements connect.Codec.
func (Codec) Name() string { return Name }

// Marshal implements connect.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements connect.Codec. An empty body leaves v untouched.
func (Codec) Unmarshal(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// HandlerOption installs the codec on a handler.
func HandlerOption() connect.HandlerOption {
	return connect.WithCodec(Codec{})
}

// ClientOption installs the codec on a client.
func ClientOption() connect.ClientOption {
	return connect.WithCodec(Codec{})
}
