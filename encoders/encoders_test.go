package encoders

import (
	"testing"

	"github.com/golang/protobuf/ptypes/wrappers"
)

type widget struct {
	Name  string
	Count int
}

func TestJSONEncoderRoundTrip(t *testing.T) {
	enc := JSONEncoder{}
	in := widget{Name: "bolt", Count: 7}
	data, err := enc.Encode("foo", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out widget
	if err := enc.Decode("foo", data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: want %+v got %+v", in, out)
	}
}

func TestGobEncoderRoundTrip(t *testing.T) {
	enc := GobEncoder{}
	in := widget{Name: "nut", Count: 3}
	data, err := enc.Encode("foo", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out widget
	if err := enc.Decode("foo", data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: want %+v got %+v", in, out)
	}
}

func TestBSONEncoderRoundTrip(t *testing.T) {
	enc := BSONEncoder{}
	in := widget{Name: "washer", Count: 12}
	data, err := enc.Encode("foo", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out widget
	if err := enc.Decode("foo", data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: want %+v got %+v", in, out)
	}
}

// TestProtobufEncoderRoundTrip uses wrapperspb's generated StringValue so
// the test doesn't need its own protoc-generated type.
func TestProtobufEncoderRoundTrip(t *testing.T) {
	enc := ProtobufEncoder{}
	in := &wrappers.StringValue{Value: "hello proto"}
	data, err := enc.Encode("foo", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := &wrappers.StringValue{}
	if err := enc.Decode("foo", data, out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Value != in.Value {
		t.Fatalf("round trip mismatch: want %q got %q", in.Value, out.Value)
	}
}

func TestProtobufEncoderRejectsNonProtoValues(t *testing.T) {
	enc := ProtobufEncoder{}
	if _, err := enc.Encode("foo", widget{Name: "x"}); err == nil {
		t.Fatalf("expected an error encoding a non-proto.Message value")
	}
}
