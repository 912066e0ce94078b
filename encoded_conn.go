// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"reflect"
	"time"

	"github.com/nats-io/nats.go/encoders"
)

// Encoder is the pluggable payload codec EncodedConn uses to turn Go
// values into wire bytes and back, per spec §4.1.
type Encoder = encoders.Encoder

// Built-in encoder type names accepted by NewEncodedConn.
const (
	JSONEncoderType     = "json"
	GobEncoderType      = "gob"
	ProtobufEncoderType = "protobuf"
	BSONEncoderType     = "bson"
)

// EncodedConn pairs a Conn with an Encoder so callers publish/subscribe in
// terms of Go values instead of raw []byte, per spec §4.1.
type EncodedConn struct {
	Conn *Conn
	Enc  Encoder
}

// NewEncodedConn wraps c with one of the built-in encoders named by
// encType.
func NewEncodedConn(c *Conn, encType string) (*EncodedConn, error) {
	if c == nil {
		return nil, newError(KindInvalidArg, "nil connection")
	}
	var enc Encoder
	switch encType {
	case JSONEncoderType:
		enc = encoders.JSONEncoder{}
	case GobEncoderType:
		enc = encoders.GobEncoder{}
	case ProtobufEncoderType:
		enc = encoders.ProtobufEncoder{}
	case BSONEncoderType:
		enc = encoders.BSONEncoder{}
	default:
		return nil, newError(KindInvalidArg, "unknown encoder type: "+encType)
	}
	return &EncodedConn{Conn: c, Enc: enc}, nil
}

// Publish encodes v with the configured Encoder and publishes the result.
func (c *EncodedConn) Publish(subject string, v interface{}) error {
	b, err := c.Enc.Encode(subject, v)
	if err != nil {
		return wrapError(KindInvalidArg, err)
	}
	return c.Conn.Publish(subject, b)
}

// PublishRequest encodes v and publishes it with reply as the reply-to
// subject.
func (c *EncodedConn) PublishRequest(subject, reply string, v interface{}) error {
	b, err := c.Enc.Encode(subject, v)
	if err != nil {
		return wrapError(KindInvalidArg, err)
	}
	return c.Conn.PublishRequest(subject, reply, b)
}

// Request encodes v, performs the request/reply round trip, and decodes
// the reply into vPtrResponse.
func (c *EncodedConn) Request(subject string, v interface{}, vPtrResponse interface{}, timeout time.Duration) error {
	b, err := c.Enc.Encode(subject, v)
	if err != nil {
		return wrapError(KindInvalidArg, err)
	}
	msg, err := c.Conn.Request(subject, b, timeout)
	if err != nil {
		return err
	}
	if vPtrResponse == nil {
		return nil
	}
	return c.Enc.Decode(subject, msg.Data, vPtrResponse)
}

// Subscribe decodes each incoming message into a fresh value of the
// handler's argument type before invoking it. cb must be a func(*T) or a
// func(subject string, v *T).
func (c *EncodedConn) Subscribe(subject string, cb interface{}) (*Subscription, error) {
	return c.subscribe(subject, "", cb)
}

// QueueSubscribe is the queue-group form of Subscribe.
func (c *EncodedConn) QueueSubscribe(subject, queue string, cb interface{}) (*Subscription, error) {
	return c.subscribe(subject, queue, cb)
}

func (c *EncodedConn) subscribe(subject, queue string, cb interface{}) (*Subscription, error) {
	fv := reflect.ValueOf(cb)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, newError(KindInvalidArg, "encoded subscribe handler must be a function")
	}
	numIn := ft.NumIn()
	if numIn != 1 && numIn != 2 {
		return nil, newError(KindInvalidArg, "encoded subscribe handler must take (value) or (subject, value)")
	}
	wantSubject := numIn == 2
	argType := ft.In(numIn - 1)
	if argType.Kind() != reflect.Ptr {
		return nil, newError(KindInvalidArg, "encoded subscribe handler's value argument must be a pointer")
	}

	handler := func(m *Msg) {
		vPtr := reflect.New(argType.Elem())
		if err := c.Enc.Decode(m.Subject, m.Data, vPtr.Interface()); err != nil {
			return
		}
		args := make([]reflect.Value, 0, 2)
		if wantSubject {
			args = append(args, reflect.ValueOf(m.Subject))
		}
		args = append(args, vPtr)
		fv.Call(args)
	}

	if queue != "" {
		return c.Conn.QueueSubscribe(subject, queue, handler)
	}
	return c.Conn.Subscribe(subject, handler)
}
