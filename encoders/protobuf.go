package encoders

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// ProtobufEncoder implements Encoder with github.com/golang/protobuf/proto.
// Values passed to Encode/Decode must implement proto.Message; callers
// that need an encoder-agnostic scalar wrapper can use
// google.golang.org/protobuf/types/known/wrapperspb without needing their
// own protoc-generated types.
type ProtobufEncoder struct{}

func (ProtobufEncoder) Encode(_ string, v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("encoders: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtobufEncoder) Decode(_ string, data []byte, vPtr interface{}) error {
	m, ok := vPtr.(proto.Message)
	if !ok {
		return fmt.Errorf("encoders: %T does not implement proto.Message", vPtr)
	}
	return proto.Unmarshal(data, m)
}
