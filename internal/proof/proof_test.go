package proof

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

const (
	testFrom  = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testTo    = "0x1111111111111111111111111111111111111111"
	testHash  = "0x9f0a5c1e3b2d4f6a8c7e9b0d1f2a3c4e5b6d7f8a9c0e1b2d3f4a5c6e7b8d9f0a"
	testNonce = "0x0000000000000000000000000000000000000000000000000000000000000001"
)

func reasonOf(t *testing.T, err error) payment.Reason {
	t.Helper()
	var pe *payment.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *payment.Error, got %T (%v)", err, err)
	}
	return pe.Reason
}

func testSignature() string {
	sig := make([]byte, 65)
	sig[64] = 27
	return "0x" + hex.EncodeToString(sig)
}

// ── round trip ────────────────────────────────────────────────────────────────

func TestDecode_NativeRoundTrip(t *testing.T) {
	in := NativePayload{TxHash: testHash, From: testFrom, To: testTo, Value: "10000", BlockNumber: 42}
	header, err := Encode(payment.SchemeNativeTransfer, "eip155:8453", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(header)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Scheme != payment.SchemeNativeTransfer || env.Network != "eip155:8453" {
		t.Errorf("envelope: got %s/%s", env.Scheme, env.Network)
	}
	got := env.Native()
	if got == nil {
		t.Fatal("Native() returned nil")
	}
	if *got != in {
		t.Errorf("payload mismatch: got %+v want %+v", *got, in)
	}
	if env.Authorization() != nil || env.Token() != nil {
		t.Error("other variants should be nil")
	}
}

func TestDecode_AuthorizationRoundTrip(t *testing.T) {
	in := AuthorizationPayload{
		Signature: testSignature(),
		Authorization: Authorization{
			From: testFrom, To: testTo, Value: "10000",
			ValidAfter: "0", ValidBefore: "1900000000", Nonce: testNonce,
		},
	}
	header, err := Encode(payment.SchemeSignedAuthorization, "eip155:8453", in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(header)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := env.Authorization(); got == nil || *got != in {
		t.Errorf("payload mismatch: got %+v", got)
	}
}

func TestDecode_TokenRoundTrip(t *testing.T) {
	tx := base64.StdEncoding.EncodeToString([]byte("signed-transaction-bytes"))
	header, err := Encode(payment.SchemeTokenTransfer, "solana:devnet", TokenPayload{SerializedTransaction: tx})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(header)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Token() == nil || env.Token().SerializedTransaction != tx {
		t.Errorf("payload mismatch: got %+v", env.Token())
	}
}

func TestDecode_URLSafeUnpadded(t *testing.T) {
	in := NativePayload{TxHash: testHash, From: testFrom, To: testTo, Value: "1", BlockNumber: 1}
	header, _ := Encode(payment.SchemeNativeTransfer, "eip155:1", in)
	raw, _ := base64.StdEncoding.DecodeString(header)

	if _, err := Decode(base64.RawURLEncoding.EncodeToString(raw)); err != nil {
		t.Fatalf("Decode raw url encoding: %v", err)
	}
}

// ── malformed input ───────────────────────────────────────────────────────────

func TestDecode_Malformed(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"not json", enc("hello")},
		{"json array", enc(`[1,2,3]`)},
		{"wrong version", enc(`{"version":2,"scheme":"native-transfer","network":"eip155:1","payload":{}}`)},
		{"missing scheme", enc(`{"version":1,"network":"eip155:1","payload":{}}`)},
		{"missing network", enc(`{"version":1,"scheme":"native-transfer","payload":{}}`)},
		{"missing payload", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1"}`)},
		{"null payload", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1","payload":null}`)},
		{"payload wrong type", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1","payload":"x"}`)},
		{"native bad address", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1","payload":{"txHash":"` + testHash + `","from":"0x123","to":"` + testTo + `","value":"1","blockNumber":1}}`)},
		{"native negative value", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1","payload":{"txHash":"` + testHash + `","from":"` + testFrom + `","to":"` + testTo + `","value":"-1","blockNumber":1}}`)},
		{"native short hash", enc(`{"version":1,"scheme":"native-transfer","network":"eip155:1","payload":{"txHash":"0xabc","from":"` + testFrom + `","to":"` + testTo + `","value":"1","blockNumber":1}}`)},
		{"auth missing authorization", enc(`{"version":1,"scheme":"signed-authorization","network":"eip155:1","payload":{"signature":"` + testSignature() + `"}}`)},
		{"auth decimal value", enc(`{"version":1,"scheme":"signed-authorization","network":"eip155:1","payload":{"signature":"` + testSignature() + `","authorization":{"from":"` + testFrom + `","to":"` + testTo + `","value":"1.5","validAfter":"0","validBefore":"10","nonce":"` + testNonce + `"}}}`)},
		{"token not base64", enc(`{"version":1,"scheme":"token-transfer","network":"solana:devnet","payload":{"serializedTransaction":"***"}}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode(tc.header)
			if err == nil {
				t.Fatalf("expected error, got envelope %+v", env)
			}
			if r := reasonOf(t, err); r != payment.ReasonMalformedProof {
				t.Errorf("reason: got %s want %s", r, payment.ReasonMalformedProof)
			}
		})
	}
}

func TestDecode_UnknownScheme(t *testing.T) {
	header := base64.StdEncoding.EncodeToString([]byte(
		`{"version":1,"scheme":"lightning","network":"btc:mainnet","payload":{"invoice":"lnbc1"}}`,
	))
	_, err := Decode(header)
	if r := reasonOf(t, err); r != payment.ReasonUnsupportedScheme {
		t.Errorf("reason: got %s want %s", r, payment.ReasonUnsupportedScheme)
	}
}

func TestDecode_OversizedHeader(t *testing.T) {
	big := make([]byte, maxHeaderLen+1)
	for i := range big {
		big[i] = 'A'
	}
	_, err := Decode(string(big))
	if r := reasonOf(t, err); r != payment.ReasonMalformedProof {
		t.Errorf("reason: got %s", r)
	}
}
