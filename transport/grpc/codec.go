package grpc

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype every quartz call is made with.
const codecName = "cbor"

// codec encodes messages as CBOR so that plain Go structs can travel over gRPC
// without generated protobuf types.
type codec struct{}

var _ encoding.Codec = codec{}

func (codec) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (codec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

func (codec) Name() string { return codecName }

func init() { encoding.RegisterCodec(codec{}) }
