// Package rpc wires ExecutorService and CommanderService (spec.md section
// 6) onto google.golang.org/grpc. Wire-level framing is explicitly out of
// scope (spec.md section 1), so instead of running protoc against a .proto
// file this package registers a JSON grpc/encoding.Codec and builds each
// service's grpc.ServiceDesc by hand — a real, supported extension point of
// the grpc-go library, not a generated-code substitute.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is passed as the content-subtype so both ends of a connection
// negotiate the same message codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return CodecName }
