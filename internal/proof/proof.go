// Package proof decodes the client-supplied payment header. The header is
// fully untrusted, so every failure comes back as a typed rejection.
package proof

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// Version is the only envelope version accepted.
const Version = 1

// maxHeaderLen bounds the decoded header before any parsing happens.
const maxHeaderLen = 16 << 10

// Envelope is the outer proof object carried in the payment header.
type Envelope struct {
	Version int             `json:"version"`
	Scheme  string          `json:"scheme"`
	Network string          `json:"network"`
	Payload json.RawMessage `json:"payload"`

	payload any
}

// NativePayload is an already-confirmed on-chain transfer.
type NativePayload struct {
	TxHash      string `json:"txHash" validate:"required,hexadecimal,len=66"`
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required,number,max=78"`
	BlockNumber uint64 `json:"blockNumber" validate:"required"`
}

// Authorization is an EIP-3009 TransferWithAuthorization message.
type Authorization struct {
	From        string `json:"from" validate:"required,eth_addr"`
	To          string `json:"to" validate:"required,eth_addr"`
	Value       string `json:"value" validate:"required,number,max=78"`
	ValidAfter  string `json:"validAfter" validate:"required,number,max=20"`
	ValidBefore string `json:"validBefore" validate:"required,number,max=20"`
	Nonce       string `json:"nonce" validate:"required,hexadecimal,len=66"`
}

// AuthorizationPayload is an off-chain signed transfer authorization.
type AuthorizationPayload struct {
	Signature     string        `json:"signature" validate:"required,hexadecimal,len=132"`
	Authorization Authorization `json:"authorization" validate:"required"`
}

// TokenPayload is a fully-signed, not-yet-submitted token transfer.
type TokenPayload struct {
	SerializedTransaction string `json:"serializedTransaction" validate:"required,base64"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses a payment header value into an Envelope with a typed payload.
func Decode(header string) (*Envelope, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, payment.Reject(payment.ReasonMalformedProof, "empty payment header")
	}
	if len(header) > maxHeaderLen {
		return nil, payment.Reject(payment.ReasonMalformedProof, "payment header too large")
	}

	raw, err := decodeBase64(header)
	if err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "invalid base64")
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "invalid proof JSON")
	}
	if env.Version != Version {
		return nil, payment.Reject(payment.ReasonMalformedProof, "unsupported version %d", env.Version)
	}
	if env.Scheme == "" || env.Network == "" || len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, payment.Reject(payment.ReasonMalformedProof, "scheme, network and payload are required")
	}

	switch env.Scheme {
	case payment.SchemeNativeTransfer:
		env.payload, err = decodePayload[NativePayload](env.Payload)
	case payment.SchemeSignedAuthorization:
		env.payload, err = decodePayload[AuthorizationPayload](env.Payload)
	case payment.SchemeTokenTransfer:
		env.payload, err = decodePayload[TokenPayload](env.Payload)
	default:
		return nil, payment.Reject(payment.ReasonUnsupportedScheme, "unknown scheme %q", env.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func decodePayload[T any](raw json.RawMessage) (*T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "invalid payload")
	}
	if err := validate.Struct(&p); err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "invalid payload")
	}
	return &p, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not base64")
}

// Native returns the native-transfer payload, or nil for other schemes.
func (e *Envelope) Native() *NativePayload {
	p, _ := e.payload.(*NativePayload)
	return p
}

// Authorization returns the signed-authorization payload, or nil.
func (e *Envelope) Authorization() *AuthorizationPayload {
	p, _ := e.payload.(*AuthorizationPayload)
	return p
}

// Token returns the token-transfer payload, or nil.
func (e *Envelope) Token() *TokenPayload {
	p, _ := e.payload.(*TokenPayload)
	return p
}

// Encode builds a header value for the given scheme payload.
func Encode(scheme, network string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	raw, err := json.Marshal(Envelope{
		Version: Version,
		Scheme:  scheme,
		Network: network,
		Payload: body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
