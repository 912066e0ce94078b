package encoders

import "encoding/json"

// JSONEncoder implements Encoder with encoding/json.
type JSONEncoder struct{}

func (JSONEncoder) Encode(_ string, v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONEncoder) Decode(_ string, data []byte, vPtr interface{}) error {
	return json.Unmarshal(data, vPtr)
}
