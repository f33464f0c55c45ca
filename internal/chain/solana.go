package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// SolanaRPC is the subset of *rpc.Client the verifier reads from.
type SolanaRPC interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
}

// Solana is a read-only chain client for one Solana cluster.
type Solana struct {
	rpc        SolanaRPC
	commitment rpc.CommitmentType
	policy     RetryPolicy
}

// DialSolana builds a client for a Solana JSON-RPC endpoint.
func DialSolana(rpcURL string, commitment string, policy RetryPolicy) *Solana {
	return NewSolana(rpc.New(rpcURL), commitment, policy)
}

func NewSolana(client SolanaRPC, commitment string, policy RetryPolicy) *Solana {
	c := rpc.CommitmentType(commitment)
	if c == "" {
		c = rpc.CommitmentConfirmed
	}
	return &Solana{rpc: client, commitment: c, policy: policy}
}

// TokenBalance returns the raw amount held by an SPL token account. An
// account the cluster does not know yields ErrNotFound.
func (c *Solana) TokenBalance(ctx context.Context, account solana.PublicKey) (*big.Int, error) {
	var bal *big.Int
	err := c.policy.do(ctx, "getTokenAccountBalance", func(ctx context.Context) error {
		res, err := c.rpc.GetTokenAccountBalance(ctx, account, c.commitment)
		if err != nil {
			return classifySolana(err)
		}
		if res == nil || res.Value == nil {
			return permanent(ErrNotFound)
		}
		amt, ok := new(big.Int).SetString(res.Value.Amount, 10)
		if !ok {
			return permanent(fmt.Errorf("getTokenAccountBalance: bad amount %q", res.Value.Amount))
		}
		bal = amt
		return nil
	})
	return bal, err
}

// SignatureLanded reports whether the cluster has seen a transaction with
// this signature, at any commitment.
func (c *Solana) SignatureLanded(ctx context.Context, sig solana.Signature) (bool, error) {
	var landed bool
	err := c.policy.do(ctx, "getSignatureStatuses", func(ctx context.Context) error {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		landed = res != nil && len(res.Value) > 0 && res.Value[0] != nil
		return nil
	})
	return landed, err
}

// BlockhashValid reports whether a transaction built on hash can still land.
func (c *Solana) BlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	var valid bool
	err := c.policy.do(ctx, "isBlockhashValid", func(ctx context.Context) error {
		res, err := c.rpc.IsBlockhashValid(ctx, hash, c.commitment)
		if err != nil {
			return err
		}
		valid = res != nil && res.Value
		return nil
	})
	return valid, err
}

// rpcInvalidParams is the JSON-RPC code a node answers with for an account
// it does not hold.
const rpcInvalidParams = -32602

// classifySolana maps the node's "could not find account" answer to
// ErrNotFound. Any other RPC error (unhealthy node, slot lag, internal error)
// stays retryable and exhausts into ErrUnavailable.
func classifySolana(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && accountMissing(rpcErr) {
		return permanent(fmt.Errorf("%w: %s", ErrNotFound, rpcErr.Message))
	}
	return err
}

func accountMissing(e *jsonrpc.RPCError) bool {
	return e.Code == rpcInvalidParams || strings.Contains(strings.ToLower(e.Message), "could not find account")
}
