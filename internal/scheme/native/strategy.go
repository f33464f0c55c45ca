// Package native verifies native-transfer proofs: a gas-token transfer the
// payer has already sent and had mined.
package native

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/0gfoundation/x402-gate/internal/chain"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/scheme"
)

// Chain is what the strategy reads from the EVM network.
type Chain interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, error)
	Sender(tx *types.Transaction) (common.Address, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Strategy verifies native-transfer proofs on one EVM network.
type Strategy struct {
	network          string
	chain            Chain
	minConfirmations uint64
	claimTTL         time.Duration
}

// New returns a strategy that accepts transfers with at least minConfirmations
// blocks on top. Claims are kept for claimTTL; zero keeps them forever.
func New(network string, c Chain, minConfirmations uint64, claimTTL time.Duration) *Strategy {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &Strategy{network: network, chain: c, minConfirmations: minConfirmations, claimTTL: claimTTL}
}

func (s *Strategy) Scheme() string  { return payment.SchemeNativeTransfer }
func (s *Strategy) Network() string { return s.network }

type evidence struct {
	hash  common.Hash
	from  common.Address
	to    common.Address
	value *big.Int
	block uint64
}

func (s *Strategy) Resolve(_ payment.Requirement, env *proof.Envelope) (*scheme.Evidence, error) {
	p := env.Native()
	if p == nil {
		return nil, payment.Reject(payment.ReasonMalformedProof, "missing native payload")
	}
	if !common.IsHexAddress(p.From) || !common.IsHexAddress(p.To) {
		return nil, payment.Reject(payment.ReasonMalformedProof, "from and to must be addresses")
	}
	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 256 {
		return nil, payment.Reject(payment.ReasonMalformedProof, "value must be a base-10 uint256")
	}

	e := &evidence{
		hash:  common.HexToHash(p.TxHash),
		from:  common.HexToAddress(p.From),
		to:    common.HexToAddress(p.To),
		value: value,
		block: p.BlockNumber,
	}
	return &scheme.Evidence{
		Payment: payment.Canonical{
			Payer:           e.from.Hex(),
			Payee:           e.to.Hex(),
			Amount:          value,
			Asset:           payment.NativeAsset,
			AuthorizationID: strings.ToLower(e.hash.Hex()),
		},
		Data: e,
	}, nil
}

// VerifyProof checks the claimed transfer against the mined transaction.
func (s *Strategy) VerifyProof(ctx context.Context, _ payment.Requirement, ev *scheme.Evidence) error {
	e := ev.Data.(*evidence)

	receipt, err := s.chain.Receipt(ctx, e.hash)
	if err != nil {
		return notFound(err, "receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return payment.Reject(payment.ReasonPaymentNotFound, "transaction %s reverted", e.hash.Hex())
	}
	if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() || receipt.BlockNumber.Uint64() != e.block {
		return payment.Reject(payment.ReasonInvalidProof, "mined in block %v, not %d", receipt.BlockNumber, e.block)
	}

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < e.block || head-e.block+1 < s.minConfirmations {
		return payment.Reject(payment.ReasonPaymentNotFound, "transaction %s has too few confirmations", e.hash.Hex())
	}

	tx, err := s.chain.Transaction(ctx, e.hash)
	if err != nil {
		return notFound(err, "transaction")
	}
	sender, err := s.chain.Sender(tx)
	if err != nil {
		return payment.Wrap(payment.ReasonInvalidProof, err, "recover sender")
	}
	if sender != e.from {
		return payment.Reject(payment.ReasonInvalidProof, "sent by %s, not %s", sender.Hex(), e.from.Hex())
	}
	if tx.To() == nil || *tx.To() != e.to {
		return payment.Reject(payment.ReasonInvalidProof, "transaction recipient does not match %s", e.to.Hex())
	}
	if tx.Value().Cmp(e.value) != 0 {
		return payment.Reject(payment.ReasonInvalidProof, "transferred %s, claimed %s", tx.Value(), e.value)
	}
	return nil
}

// CheckFunds is a no-op: the transfer has already executed.
func (s *Strategy) CheckFunds(context.Context, payment.Requirement, *scheme.Evidence) error {
	return nil
}

// Used is always false. A plain transfer leaves no consumable state on
// chain, so the replay guard alone prevents reuse.
func (s *Strategy) Used(context.Context, *scheme.Evidence) (bool, error) {
	return false, nil
}

func (s *Strategy) ClaimTTL(*scheme.Evidence, time.Time) time.Duration { return s.claimTTL }

func notFound(err error, what string) error {
	if errors.Is(err, chain.ErrNotFound) {
		return payment.Wrap(payment.ReasonPaymentNotFound, err, what)
	}
	return err
}
