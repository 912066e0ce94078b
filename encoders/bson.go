package encoders

import "go.mongodb.org/mongo-driver/bson"

// BSONEncoder implements Encoder with go.mongodb.org/mongo-driver/bson.
type BSONEncoder struct{}

func (BSONEncoder) Encode(_ string, v interface{}) ([]byte, error) {
	return bson.Marshal(v)
}

func (BSONEncoder) Decode(_ string, data []byte, vPtr interface{}) error {
	return bson.Unmarshal(data, vPtr)
}
