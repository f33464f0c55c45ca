// Package authorization verifies signed-authorization proofs: EIP-3009
// TransferWithAuthorization messages signed off-chain by the payer.
package authorization

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/x402-gate/internal/chain"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/scheme"
)

// Chain is what the strategy reads from the token's chain.
type Chain interface {
	Balance(ctx context.Context, asset, owner common.Address) (*big.Int, error)
	AuthorizationUsed(ctx context.Context, asset, authorizer common.Address, nonce [32]byte) (bool, error)
}

// Strategy verifies signed-authorization proofs for one token on one network.
type Strategy struct {
	network string
	domain  Domain
	chain   Chain
}

func New(network string, domain Domain, c Chain) *Strategy {
	return &Strategy{network: network, domain: domain, chain: c}
}

func (s *Strategy) Scheme() string  { return payment.SchemeSignedAuthorization }
func (s *Strategy) Network() string { return s.network }

type evidence struct {
	msg       Message
	signature []byte
}

func (s *Strategy) Resolve(_ payment.Requirement, env *proof.Envelope) (*scheme.Evidence, error) {
	p := env.Authorization()
	if p == nil {
		return nil, payment.Reject(payment.ReasonMalformedProof, "missing authorization payload")
	}
	a := p.Authorization

	value, ok1 := new(big.Int).SetString(a.Value, 10)
	validAfter, ok2 := new(big.Int).SetString(a.ValidAfter, 10)
	validBefore, ok3 := new(big.Int).SetString(a.ValidBefore, 10)
	if !ok1 || !ok2 || !ok3 {
		return nil, payment.Reject(payment.ReasonMalformedProof, "authorization integers must be base-10")
	}
	if value.BitLen() > 256 || !validAfter.IsInt64() || !validBefore.IsInt64() {
		return nil, payment.Reject(payment.ReasonMalformedProof, "authorization integer out of range")
	}
	nonce, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil || len(nonce) != 32 {
		return nil, payment.Reject(payment.ReasonMalformedProof, "nonce must be 32 bytes")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil {
		return nil, payment.Reject(payment.ReasonMalformedProof, "signature must be hex")
	}

	msg := Message{
		From:        common.HexToAddress(a.From),
		To:          common.HexToAddress(a.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
	}
	copy(msg.Nonce[:], nonce)

	return &scheme.Evidence{
		Payment: payment.Canonical{
			Payer:           msg.From.Hex(),
			Payee:           msg.To.Hex(),
			Amount:          value,
			Asset:           s.domain.VerifyingContract.Hex(),
			AuthorizationID: strings.ToLower(msg.From.Hex() + ":0x" + hex.EncodeToString(msg.Nonce[:])),
		},
		ValidAfter:  time.Unix(validAfter.Int64(), 0),
		ValidBefore: time.Unix(validBefore.Int64(), 0),
		Data:        &evidence{msg: msg, signature: sig},
	}, nil
}

func (s *Strategy) VerifyProof(_ context.Context, _ payment.Requirement, ev *scheme.Evidence) error {
	e := ev.Data.(*evidence)
	signer, err := Recover(Digest(s.domain, e.msg), e.signature)
	if err != nil {
		return payment.Wrap(payment.ReasonInvalidSignature, err, "")
	}
	if signer != e.msg.From {
		return payment.Reject(payment.ReasonInvalidSignature, "signed by %s, not %s", signer.Hex(), e.msg.From.Hex())
	}
	return nil
}

func (s *Strategy) CheckFunds(ctx context.Context, _ payment.Requirement, ev *scheme.Evidence) error {
	e := ev.Data.(*evidence)
	bal, err := s.chain.Balance(ctx, s.domain.VerifyingContract, e.msg.From)
	if errors.Is(err, chain.ErrNotFound) {
		bal, err = new(big.Int), nil
	}
	if err != nil {
		return err
	}
	if bal.Cmp(e.msg.Value) < 0 {
		return payment.Reject(payment.ReasonInsufficientFunds, "balance %s below %s", bal, e.msg.Value)
	}
	return nil
}

func (s *Strategy) Used(ctx context.Context, ev *scheme.Evidence) (bool, error) {
	e := ev.Data.(*evidence)
	return s.chain.AuthorizationUsed(ctx, s.domain.VerifyingContract, e.msg.From, e.msg.Nonce)
}

// ClaimTTL keeps the claim until the authorization can no longer be used.
func (s *Strategy) ClaimTTL(ev *scheme.Evidence, now time.Time) time.Duration {
	ttl := ev.ValidBefore.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
