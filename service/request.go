package service

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Headers is a set of string-slice header values attached to a response's
// envelope. See the package doc for why this travels inside the response
// body rather than as a transport-level NATS header.
type Headers map[string][]string

// envelope is the wire format a Respond call uses whenever an endpoint has
// configured default Headers, or Error is used to report a structured
// failure. A plain Respond on an endpoint with no configured headers
// publishes raw bytes with no envelope, so simple request/reply endpoints
// are unaffected.
type envelope struct {
	Headers Headers      `json:"headers,omitempty"`
	Data    []byte       `json:"data,omitempty"`
	Error   *errEnvelope `json:"error,omitempty"`
}

type errEnvelope struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// ParseResponse decodes a service response that may or may not be
// enveloped: if data is a valid envelope JSON object it is unwrapped,
// otherwise data is returned unchanged as the body with nil headers and a
// nil error. Callers use this to interpret responses from Request/Error
// uniformly without needing to know in advance whether the endpoint they
// called configured headers.
func ParseResponse(data []byte) (headers Headers, body []byte, errDescription string, errCode int) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, data, "", 0
	}
	if e.Headers == nil && e.Data == nil && e.Error == nil {
		return nil, data, "", 0
	}
	if e.Error != nil {
		return e.Headers, e.Data, e.Error.Description, e.Error.Code
	}
	return e.Headers, e.Data, "", 0
}

// Request is the per-message interface handed to a Handler.
type Request interface {
	// Respond sends data as the reply, enveloped with the endpoint's
	// configured headers if any were set via WithHeaders.
	Respond(data []byte) error
	// RespondJSON marshals v and Respond()s the result.
	RespondJSON(v interface{}) error
	// Error reports a structured failure: code and description travel in
	// the response envelope's Error field, with data as supplementary
	// payload.
	Error(code int, description string, data []byte) error
	// Data returns the raw request payload exactly as published.
	Data() []byte
	// Headers returns the endpoint's configured default headers (request
	// messages carry no headers of their own in this transport).
	Headers() Headers
	// Subject returns the subject the request arrived on.
	Subject() string
}

type request struct {
	msg *nats.Msg
	ep  *endpoint
}

func (r *request) Data() []byte    { return r.msg.Data }
func (r *request) Subject() string { return r.msg.Subject }
func (r *request) Headers() Headers {
	return r.ep.cfg.Headers
}

func (r *request) Respond(data []byte) error {
	if r.msg.Reply == "" {
		return nil
	}
	if len(r.ep.cfg.Headers) == 0 {
		return r.msg.Respond(data)
	}
	b, err := json.Marshal(envelope{Headers: r.ep.cfg.Headers, Data: data})
	if err != nil {
		return ErrMarshalResponse
	}
	if err := r.msg.Respond(b); err != nil {
		return ErrRespond
	}
	return nil
}

func (r *request) RespondJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrMarshalResponse
	}
	return r.Respond(b)
}

func (r *request) Error(code int, description string, data []byte) error {
	r.ep.mu.Lock()
	r.ep.numErrors++
	r.ep.lastError = description
	r.ep.mu.Unlock()

	if r.msg.Reply == "" {
		return nil
	}
	b, err := json.Marshal(envelope{
		Headers: r.ep.cfg.Headers,
		Data:    data,
		Error:   &errEnvelope{Code: code, Description: description},
	})
	if err != nil {
		return ErrMarshalResponse
	}
	if err := r.msg.Respond(b); err != nil {
		return ErrRespond
	}
	return nil
}
