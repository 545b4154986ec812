// Package rpcapi defines the RPC service surface exposed by the supervisor:
// a hand-rolled grpc.ServiceDesc (there is no .proto in this system — the
// wire types are the same MessagePack-tagged structs spoken between
// supervisor and worker) plus the msgpack codec that replaces gRPC's default
// protobuf codec for every message on this service.
package rpcapi

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec implements grpc/encoding.Codec using MessagePack instead of
// protobuf, so the same message structs defined in internal/wire serialize
// identically whether they cross the supervisor/worker pipe or the
// gateway/supervisor gRPC channel.
type Codec struct{}

// Name is registered with grpc's encoding package and must match the
// content-subtype negotiated by both client and server.
func (Codec) Name() string { return "msgpack" }

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: marshal: %w", err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcapi: unmarshal: %w", err)
	}
	return nil
}
