package admin

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals gRPC messages as JSON rather than protobuf wire format.
// The admin surface's pb types are hand-written Go structs, not generated
// proto.Message implementors, so the default proto codec can't carry them —
// registering a named codec and having callers select it via
// grpc.CallContentSubtype("json") gets them over a real *grpc.Server without
// a protoc step, the same shallow-grpc bargain the teacher's own pb package
// makes by never wiring real codegen either.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
