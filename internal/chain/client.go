package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// tokenABI covers the ERC-20 and EIP-3009 view functions used during verification.
const tokenABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"authorizationState","stateMutability":"view",
	 "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var parsedTokenABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("parse token abi: %v", err))
	}
	return a
}()

// Backend is the subset of *ethclient.Client the verifier reads from.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVM is a read-only chain client for one EVM network.
type EVM struct {
	backend Backend
	chainID *big.Int
	policy  RetryPolicy
}

// DialEVM connects to an EVM JSON-RPC endpoint.
func DialEVM(rpcURL string, chainID *big.Int, policy RetryPolicy) (*EVM, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewEVM(eth, chainID, policy), nil
}

func NewEVM(backend Backend, chainID *big.Int, policy RetryPolicy) *EVM {
	return &EVM{backend: backend, chainID: chainID, policy: policy}
}

// Receipt returns the receipt of a mined transaction. A pending or unknown
// transaction yields ErrNotFound.
func (c *EVM) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.policy.do(ctx, "TransactionReceipt", func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// Transaction returns a mined transaction by hash.
func (c *EVM) Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	err := c.policy.do(ctx, "TransactionByHash", func(ctx context.Context) error {
		t, pending, err := c.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && pending) {
			return permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	return tx, err
}

// Sender recovers the sender of a transaction on this chain.
func (c *EVM) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(c.chainID), tx)
}

// BlockNumber returns the current head block number.
func (c *EVM) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.policy.do(ctx, "BlockNumber", func(ctx context.Context) error {
		n, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// Balance returns owner's balance of asset at the latest block. The zero
// address means the native gas token.
func (c *EVM) Balance(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	if asset == (common.Address{}) {
		var bal *big.Int
		err := c.policy.do(ctx, "BalanceAt", func(ctx context.Context) error {
			b, err := c.backend.BalanceAt(ctx, owner, nil)
			if err != nil {
				return err
			}
			bal = b
			return nil
		})
		return bal, err
	}

	out, err := c.call(ctx, asset, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output %T", out[0])
	}
	return bal, nil
}

// AuthorizationUsed reports whether an EIP-3009 nonce has been used or
// cancelled on the token contract.
func (c *EVM) AuthorizationUsed(ctx context.Context, asset, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := c.call(ctx, asset, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected output %T", out[0])
	}
	return used, nil
}

func (c *EVM) call(ctx context.Context, contract common.Address, method string, args ...any) ([]any, error) {
	data, err := parsedTokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &contract, Data: data}

	var out []any
	err = c.policy.do(ctx, method, func(ctx context.Context) error {
		raw, err := c.backend.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		vals, err := parsedTokenABI.Unpack(method, raw)
		if err != nil || len(vals) == 0 {
			// A contract without the method answers with empty data.
			return permanent(fmt.Errorf("unpack %s: %v", method, err))
		}
		out = vals
		return nil
	})
	return out, err
}
