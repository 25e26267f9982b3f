// Package grpcx carries the inter-replica protocol over gRPC.
//
// Messages are the plain Go structs of package replication encoded as JSON,
// so no generated code is involved: the service is described by a
// hand-written grpc.ServiceDesc and requests select the JSON codec through
// the "json" content subtype.
package grpcx

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }
