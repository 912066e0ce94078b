package encoders

import (
	"bytes"
	"encoding/gob"
)

// GobEncoder implements Encoder with encoding/gob. Each call builds a
// fresh encoder/decoder since gob streams are stateful and EncodedConn
// calls Encode/Decode independently per message.
type GobEncoder struct{}

func (GobEncoder) Encode(_ string, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobEncoder) Decode(_ string, data []byte, vPtr interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(vPtr)
}
