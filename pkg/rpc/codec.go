// Package rpc wires the controller and worker RPC surfaces onto real
// google.golang.org/grpc transport using a JSON codec and hand-written
// service descriptors in place of generated protobuf stubs (protoc is not
// part of this build's toolchain; see the design notes for why this
// package exists instead of .pb.go files).
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's encoding package and referenced by
// every client dial option and server registration in this package.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshalling request/response
// structs as JSON. Messages must be concrete struct pointers; unlike
// protobuf, there is no wire-level schema, so field renames on either side
// are a compatibility break the caller must manage explicitly.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
