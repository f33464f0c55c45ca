package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ── fake backend ──────────────────────────────────────────────────────────────

type fakeBackend struct {
	mu        sync.Mutex
	receipts  map[common.Hash]*types.Receipt
	txs       map[common.Hash]*types.Transaction
	pending   map[common.Hash]bool
	head      uint64
	native    map[common.Address]*big.Int
	tokenBal  map[common.Address]*big.Int
	usedNonce map[[32]byte]bool
	failures  int // transient errors returned before answering
	calls     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipts:  map[common.Hash]*types.Receipt{},
		txs:       map[common.Hash]*types.Transaction{},
		pending:   map[common.Hash]bool{},
		native:    map[common.Address]*big.Int{},
		tokenBal:  map[common.Address]*big.Int{},
		usedNonce: map[[32]byte]bool{},
	}
}

func (f *fakeBackend) transient() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	if err := f.transient(); err != nil {
		return nil, false, err
	}
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[h], nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if err := f.transient(); err != nil {
		return nil, err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if err := f.transient(); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *fakeBackend) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	if err := f.transient(); err != nil {
		return nil, err
	}
	if b, ok := f.native[a]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.transient(); err != nil {
		return nil, err
	}
	if msg.To == nil || *msg.To != testToken {
		return nil, nil
	}
	balanceOf := parsedTokenABI.Methods["balanceOf"]
	authState := parsedTokenABI.Methods["authorizationState"]
	switch {
	case bytes.Equal(msg.Data[:4], balanceOf.ID):
		args, err := balanceOf.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		bal, ok := f.tokenBal[args[0].(common.Address)]
		if !ok {
			bal = new(big.Int)
		}
		return balanceOf.Outputs.Pack(bal)
	case bytes.Equal(msg.Data[:4], authState.ID):
		args, err := authState.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return authState.Outputs.Pack(f.usedNonce[args[1].([32]byte)])
	}
	return nil, nil
}

func testPolicy() RetryPolicy {
	return RetryPolicy{Timeout: time.Second, Retries: 2, Backoff: time.Millisecond}
}

var (
	testToken = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testOwner = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
)

// ── receipts and transactions ─────────────────────────────────────────────────

func TestEVM_ReceiptNotFound(t *testing.T) {
	c := NewEVM(newFakeBackend(), big.NewInt(1), testPolicy())
	_, err := c.Receipt(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEVM_ReceiptRetriesTransientErrors(t *testing.T) {
	fb := newFakeBackend()
	h := common.HexToHash("0x02")
	fb.receipts[h] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(7)}
	fb.failures = 2

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	r, err := c.Receipt(context.Background(), h)
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if r.BlockNumber.Int64() != 7 {
		t.Errorf("block: got %d", r.BlockNumber.Int64())
	}
	if fb.calls != 3 {
		t.Errorf("calls: got %d want 3", fb.calls)
	}
}

func TestEVM_UnavailableAfterRetries(t *testing.T) {
	fb := newFakeBackend()
	fb.failures = 10

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	_, err := c.BlockNumber(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEVM_PendingTransactionIsNotFound(t *testing.T) {
	fb := newFakeBackend()
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000})
	fb.txs[tx.Hash()] = tx
	fb.pending[tx.Hash()] = true

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	_, err := c.Transaction(context.Background(), tx.Hash())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEVM_Sender(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chainID := big.NewInt(8453)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx, err := types.SignTx(
		types.NewTx(&types.LegacyTx{Nonce: 0, To: &to, Value: big.NewInt(10), Gas: 21000, GasPrice: big.NewInt(1)}),
		types.LatestSignerForChainID(chainID), key,
	)
	if err != nil {
		t.Fatal(err)
	}

	c := NewEVM(newFakeBackend(), chainID, testPolicy())
	from, err := c.Sender(tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender: got %s", from.Hex())
	}
}

// ── balances and authorization state ──────────────────────────────────────────

func TestEVM_TokenBalance(t *testing.T) {
	fb := newFakeBackend()
	fb.tokenBal[testOwner] = big.NewInt(123456)

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	bal, err := c.Balance(context.Background(), testToken, testOwner)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Int64() != 123456 {
		t.Errorf("balance: got %s", bal)
	}
}

func TestEVM_NativeBalance(t *testing.T) {
	fb := newFakeBackend()
	fb.native[testOwner] = big.NewInt(99)

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	bal, err := c.Balance(context.Background(), common.Address{}, testOwner)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Int64() != 99 {
		t.Errorf("balance: got %s", bal)
	}
}

func TestEVM_AuthorizationUsed(t *testing.T) {
	fb := newFakeBackend()
	var used, fresh [32]byte
	used[31] = 1
	fresh[31] = 2
	fb.usedNonce[used] = true

	c := NewEVM(fb, big.NewInt(1), testPolicy())
	ctx := context.Background()

	got, err := c.AuthorizationUsed(ctx, testToken, testOwner, used)
	if err != nil || !got {
		t.Errorf("used nonce: got %v, %v", got, err)
	}
	got, err = c.AuthorizationUsed(ctx, testToken, testOwner, fresh)
	if err != nil || got {
		t.Errorf("fresh nonce: got %v, %v", got, err)
	}
}

func TestEVM_CallWithoutContractCode(t *testing.T) {
	fb := newFakeBackend()
	c := NewEVM(fb, big.NewInt(1), testPolicy())

	// An address with no code answers every call with empty data.
	_, err := c.Balance(context.Background(), common.HexToAddress("0xdead"), testOwner)
	if err == nil {
		t.Fatal("expected error for empty call result")
	}
	if fb.calls != 1 {
		t.Errorf("empty result must not be retried: %d calls", fb.calls)
	}
}
