package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype: every call made with
// grpc.CallContentSubtype(codecName) or grpc.ForceCodecV2 negotiates this
// codec instead of gRPC's default proto codec.
const codecName = "causalstore-gob"

// gobCodec is a minimal encoding.Codec backed by encoding/gob, letting
// gRPC carry this package's own Envelope type without a protoc-generated
// proto.Message implementation.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("transport: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("transport: gob unmarshal: %w", err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}
