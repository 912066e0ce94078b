package nats

import (
	"bytes"
	"testing"

	"github.com/nats-io/nkeys"
)

const sampleCredsFile = `-----BEGIN NATS USER JWT-----
eyJhbGciOiJlZDI1NTE5In0.some.jwt.payload
------END NATS USER JWT------

************************* IMPORTANT *************************
NKEY Seed printed below can be used to sign and prove identity.
NOTE: Use this seed inside the NATS credentials file, not in plain text.
***************************************************************

-----BEGIN USER NKEY SEED-----
SUAIO3FHUX5PNV2LQIIP7TZ3N4L7TX3W53MQGEIVYFIGA635OZCKEYHFLM
------END USER NKEY SEED------
`

func TestParseCredsFileSplitsJWTAndSeed(t *testing.T) {
	jwt, seed, err := parseCredsFile([]byte(sampleCredsFile))
	if err != nil {
		t.Fatalf("parseCredsFile: %v", err)
	}
	if jwt != "eyJhbGciOiJlZDI1NTE5In0.some.jwt.payload" {
		t.Fatalf("unexpected jwt block: %q", jwt)
	}
	if seed != "SUAIO3FHUX5PNV2LQIIP7TZ3N4L7TX3W53MQGEIVYFIGA635OZCKEYHFLM" {
		t.Fatalf("unexpected seed block: %q", seed)
	}
}

func TestParseCredsFileMissingJWTFails(t *testing.T) {
	if _, _, err := parseCredsFile([]byte("nothing to see here\n")); err == nil {
		t.Fatalf("expected an error when no JWT block is present")
	}
}

// TestNkeySignerRoundTrip exercises nkeySignerFromSeed/signNonce/
// verifyNonceSignature together: a signature produced for one nonce must
// verify against that nonce and fail against a different one.
func TestNkeySignerRoundTrip(t *testing.T) {
	kp, err := nkeys.CreateUser()
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	seed, err := kp.Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	pub, sigCB, err := nkeySignerFromSeed(string(seed))
	if err != nil {
		t.Fatalf("nkeySignerFromSeed: %v", err)
	}
	wantPub, _ := kp.PublicKey()
	if pub != wantPub {
		t.Fatalf("want public key %q, got %q", wantPub, pub)
	}

	nonce := []byte("server-nonce-123")
	sig, err := signNonce(sigCB, nonce)
	if err != nil {
		t.Fatalf("signNonce: %v", err)
	}

	ok, err := verifyNonceSignature(pub, nonce, sig)
	if err != nil {
		t.Fatalf("verifyNonceSignature: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify against the nonce it signed")
	}

	ok, err = verifyNonceSignature(pub, []byte("a-different-nonce"), sig)
	if err != nil {
		t.Fatalf("verifyNonceSignature: %v", err)
	}
	if ok {
		t.Fatalf("expected signature to fail verification against a different nonce")
	}
}

// TestB64RawURLRoundTrip is spec's round-trip property: decode(encode(b))
// == b for any byte string b, including values that would need padding
// under standard (non-raw) base64.
func TestB64RawURLRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("abcd"),
		bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 17),
	}
	for _, b := range cases {
		enc := b64RawURLEncode(b)
		got, err := b64RawURLDecode(enc)
		if err != nil {
			t.Fatalf("b64RawURLDecode(%q): %v", enc, err)
		}
		if !bytes.Equal(got, b) {
			t.Fatalf("round trip mismatch: want %v got %v", b, got)
		}
	}
}

func TestB64RawURLDecodeInvalidFails(t *testing.T) {
	if _, err := b64RawURLDecode("not valid base64!!"); err == nil {
		t.Fatalf("expected an error decoding invalid base64")
	}
}
