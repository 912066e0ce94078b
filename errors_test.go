package nats

import (
	"errors"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	if KindMaxPayload.String() != "maximum payload exceeded" {
		t.Fatalf("unexpected String() for KindMaxPayload: %q", KindMaxPayload.String())
	}
	if ErrorKind(9999).String() != "unknown error" {
		t.Fatalf("unrecognized kind should stringify as unknown error")
	}
}

func TestErrorMessageFallsBackToKind(t *testing.T) {
	e := &Error{Kind: KindTimeout}
	if e.Error() != "nats: timeout" {
		t.Fatalf("want fallback to kind string, got %q", e.Error())
	}
}

func TestErrorIsMatchesByKindNotMessage(t *testing.T) {
	a := newError(KindSlowConsumer, "dropped 3 on sub 7")
	if !errors.Is(a, ErrSlowConsumer) {
		t.Fatalf("expected errors.Is to match by Kind regardless of message")
	}
	if errors.Is(a, ErrTimeout) {
		t.Fatalf("expected errors.Is to reject a different Kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := wrapError(KindIOError, cause)
	if errors.Unwrap(e) != cause {
		t.Fatalf("expected Unwrap to return the wrapped cause")
	}
}

func TestErrorStackNonEmpty(t *testing.T) {
	e := newError(KindProtocolError, "bad frame")
	if e.Stack() == "" {
		t.Fatalf("expected a non-empty advisory stack")
	}
}

func TestErrorNilSafe(t *testing.T) {
	var e *Error
	if e.Error() != "" {
		t.Fatalf("nil *Error.Error() should return empty string, got %q", e.Error())
	}
	if e.Stack() != "" {
		t.Fatalf("nil *Error.Stack() should return empty string")
	}
}
