package payment

import (
	"math/big"
	"strings"
)

// Scheme identifiers accepted in the proof envelope.
const (
	SchemeNativeTransfer      = "native-transfer"
	SchemeSignedAuthorization = "signed-authorization"
	SchemeTokenTransfer       = "token-transfer"
)

// NativeAsset is the asset id used for a chain's gas token.
const NativeAsset = "native"

// Requirement describes what must be paid for a protected resource.
// Built once from config; never mutated after the gate starts.
type Requirement struct {
	Scheme      string
	Network     string
	ChainID     string
	Recipient   string
	Asset       string
	Price       *big.Int
	Decimals    int32
	Symbol      string
	Description string
}

// Key returns the registry key for the requirement's (network, scheme) pair.
func (r Requirement) Key() string { return Key(r.Scheme, r.Network) }

// Key joins a scheme and network into a lookup key.
func Key(scheme, network string) string { return network + "/" + scheme }

// Canonical is the normalized payment every proof variant resolves to.
type Canonical struct {
	Scheme          string   `json:"scheme"`
	Network         string   `json:"network"`
	Payer           string   `json:"payer"`
	Payee           string   `json:"payee"`
	Amount          *big.Int `json:"amount"`
	Asset           string   `json:"asset"`
	AuthorizationID string   `json:"authorizationId"`
}

// ClaimKey is the replay key for this payment, scoped by scheme and network
// so identical nonces on different chains never collide.
func (c Canonical) ClaimKey() string {
	return c.Scheme + ":" + c.Network + ":" + strings.ToLower(c.AuthorizationID)
}
