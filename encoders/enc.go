// Copyright 2012 Apcera Inc. All rights reserved.

// Package encoders implements spec §4.1's pluggable payload codecs for
// EncodedConn: each Encoder knows how to turn a Go value into wire bytes
// and back, so callers can Publish/Subscribe in terms of structs instead
// of raw []byte.
package encoders

// Encoder marshals and unmarshals values exchanged over a subject. Encode
// receives the destination subject so an implementation may vary its wire
// format per-subject if it wants to; none of the encoders here do.
type Encoder interface {
	Encode(subject string, v interface{}) ([]byte, error)
	Decode(subject string, data []byte, vPtr interface{}) error
}
