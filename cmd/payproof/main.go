// cmd/payproof builds X-PAYMENT header values for manual testing against a
// running gate, and decodes X-PAYMENT-RESPONSE receipts.
//
// Usage:
//
//	PAYER_PRIVATE_KEY=0x<key> \
//	go run ./cmd/payproof/ \
//	  --scheme   signed-authorization \
//	  --network  eip155:84532 \
//	  --chain-id 84532 \
//	  --token    0x036CbD53842c5426634e7929541eC2318f3dCF7e \
//	  --to       0x<recipient> \
//	  --value    10000
//
//	go run ./cmd/payproof/ --scheme native-transfer --network eip155:16602 \
//	  --tx 0x<hash> --from 0x<payer> --to 0x<recipient> --value 10000 --block 123
//
//	SOLANA_PRIVATE_KEY=<base58> \
//	go run ./cmd/payproof/ --scheme token-transfer --network solana:devnet \
//	  --rpc https://api.devnet.solana.com --mint <mint> --to <wallet> --amount 0.01 --decimals 6
//
//	go run ./cmd/payproof/ --scheme token-transfer --network solana:devnet --tx-file tx.b64
//
//	go run ./cmd/payproof/ --receipt <X-PAYMENT-RESPONSE value>
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/0gfoundation/x402-gate/internal/gate"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/scheme/authorization"
)

type options struct {
	scheme  string
	network string

	to       string
	value    string
	amount   string
	decimals int

	// signed-authorization
	token         string
	chainID       int64
	domainName    string
	domainVersion string
	validFor      time.Duration

	// native-transfer
	tx    string
	from  string
	block uint64

	// token-transfer
	txFile    string
	mint      string
	blockhash string
	createATA bool
}

func main() {
	var o options
	flag.StringVar(&o.scheme, "scheme", payment.SchemeSignedAuthorization, "Payment scheme")
	flag.StringVar(&o.network, "network", "eip155:84532", "CAIP-2 network id")
	flag.StringVar(&o.to, "to", "", "Recipient address")
	flag.StringVar(&o.value, "value", "", "Amount in atomic units")
	flag.StringVar(&o.amount, "amount", "", "Amount in display units, scaled by --decimals")
	flag.IntVar(&o.decimals, "decimals", 6, "Asset decimals for --amount")
	flag.StringVar(&o.token, "token", "", "EIP-3009 token contract")
	flag.Int64Var(&o.chainID, "chain-id", 84532, "EIP-712 domain chain ID")
	flag.StringVar(&o.domainName, "domain-name", "USD Coin", "EIP-712 domain name")
	flag.StringVar(&o.domainVersion, "domain-version", "2", "EIP-712 domain version")
	flag.DurationVar(&o.validFor, "valid-for", 10*time.Minute, "Authorization lifetime")
	flag.StringVar(&o.tx, "tx", "", "Transaction hash (native-transfer)")
	flag.StringVar(&o.from, "from", "", "Payer address (native-transfer)")
	flag.Uint64Var(&o.block, "block", 0, "Block the transaction was mined in (native-transfer)")
	flag.StringVar(&o.txFile, "tx-file", "", "File holding a base64 signed transaction (token-transfer)")
	flag.StringVar(&o.mint, "mint", "", "SPL token mint (token-transfer)")
	flag.StringVar(&o.blockhash, "blockhash", "", "Recent blockhash; fetched from --rpc when empty (token-transfer)")
	flag.BoolVar(&o.createATA, "create-ata", false, "Create the recipient's token account in the same transaction")
	rpcURL := flag.String("rpc", "https://api.devnet.solana.com", "Solana RPC endpoint for the blockhash")
	receipt := flag.String("receipt", "", "Decode an X-PAYMENT-RESPONSE value and exit")
	flag.Parse()

	if *receipt != "" {
		r, err := gate.DecodeReceipt(*receipt)
		if err != nil {
			fatalf("decode receipt: %v", err)
		}
		fmt.Printf("success:       %v\n", r.Success)
		fmt.Printf("payer:         %s\n", r.Payer)
		fmt.Printf("authorization: %s\n", r.AuthorizationID)
		fmt.Printf("scheme:        %s on %s\n", r.Scheme, r.Network)
		return
	}

	if o.amount != "" {
		v, err := atomic(o.amount, o.decimals)
		if err != nil {
			fatalf("%v", err)
		}
		o.value = v
	}

	var key *ecdsa.PrivateKey
	var owner solana.PrivateKey
	switch {
	case o.scheme == payment.SchemeSignedAuthorization:
		keyHex := strings.TrimPrefix(os.Getenv("PAYER_PRIVATE_KEY"), "0x")
		if keyHex == "" {
			fmt.Fprintln(os.Stderr, "error: PAYER_PRIVATE_KEY not set")
			os.Exit(1)
		}
		var err error
		if key, err = crypto.HexToECDSA(keyHex); err != nil {
			fatalf("parse private key: %v", err)
		}

	case o.scheme == payment.SchemeTokenTransfer && o.txFile == "":
		keyB58 := os.Getenv("SOLANA_PRIVATE_KEY")
		if keyB58 == "" {
			fmt.Fprintln(os.Stderr, "error: SOLANA_PRIVATE_KEY not set")
			os.Exit(1)
		}
		var err error
		if owner, err = solana.PrivateKeyFromBase58(keyB58); err != nil {
			fatalf("parse solana key: %v", err)
		}
		if o.blockhash == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			res, err := rpc.New(*rpcURL).GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
			cancel()
			if err != nil {
				fatalf("get blockhash: %v", err)
			}
			o.blockhash = res.Value.Blockhash.String()
		}
	}

	header, err := build(o, key, owner, time.Now())
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(header)
}

// build returns the header value for o. key signs EVM authorizations and
// owner signs Solana transfers.
func build(o options, key *ecdsa.PrivateKey, owner solana.PrivateKey, now time.Time) (string, error) {
	switch o.scheme {
	case payment.SchemeSignedAuthorization:
		p, err := signAuthorization(o, key, now)
		if err != nil {
			return "", err
		}
		return proof.Encode(o.scheme, o.network, p)

	case payment.SchemeNativeTransfer:
		if !common.IsHexAddress(o.from) || !common.IsHexAddress(o.to) {
			return "", fmt.Errorf("--from and --to must be addresses")
		}
		if len(strings.TrimPrefix(o.tx, "0x")) != 64 || o.block == 0 || o.value == "" {
			return "", fmt.Errorf("--tx, --block and --value are required")
		}
		return proof.Encode(o.scheme, o.network, proof.NativePayload{
			TxHash:      common.HexToHash(o.tx).Hex(),
			From:        common.HexToAddress(o.from).Hex(),
			To:          common.HexToAddress(o.to).Hex(),
			Value:       o.value,
			BlockNumber: o.block,
		})

	case payment.SchemeTokenTransfer:
		var serialized string
		if o.txFile != "" {
			raw, err := os.ReadFile(o.txFile)
			if err != nil {
				return "", fmt.Errorf("read transaction: %w", err)
			}
			serialized = strings.TrimSpace(string(raw))
		} else {
			var err error
			if serialized, err = tokenTransfer(o, owner); err != nil {
				return "", err
			}
		}
		return proof.Encode(o.scheme, o.network, proof.TokenPayload{SerializedTransaction: serialized})
	}
	return "", fmt.Errorf("unknown scheme %q", o.scheme)
}

func signAuthorization(o options, key *ecdsa.PrivateKey, now time.Time) (*proof.AuthorizationPayload, error) {
	if key == nil {
		return nil, fmt.Errorf("signed-authorization needs a payer key")
	}
	if !common.IsHexAddress(o.token) || !common.IsHexAddress(o.to) {
		return nil, fmt.Errorf("--token and --to must be addresses")
	}
	value, ok := new(big.Int).SetString(o.value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("--value must be a positive integer")
	}

	msg := authorization.Message{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          common.HexToAddress(o.to),
		Value:       value,
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(now.Add(o.validFor).Unix()),
	}
	if _, err := rand.Read(msg.Nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	domain := authorization.Domain{
		Name:              o.domainName,
		Version:           o.domainVersion,
		ChainID:           big.NewInt(o.chainID),
		VerifyingContract: common.HexToAddress(o.token),
	}
	sig, err := authorization.Sign(domain, msg, key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return &proof.AuthorizationPayload{
		Signature: "0x" + hex.EncodeToString(sig),
		Authorization: proof.Authorization{
			From:        msg.From.Hex(),
			To:          msg.To.Hex(),
			Value:       msg.Value.String(),
			ValidAfter:  msg.ValidAfter.String(),
			ValidBefore: msg.ValidBefore.String(),
			Nonce:       "0x" + hex.EncodeToString(msg.Nonce[:]),
		},
	}, nil
}

// tokenTransfer builds and signs a TransferChecked from owner's associated
// account to the recipient's, returned as base64 wire bytes.
func tokenTransfer(o options, owner solana.PrivateKey) (string, error) {
	if len(owner) == 0 {
		return "", fmt.Errorf("token-transfer needs --tx-file or a payer key")
	}
	mint, err := solana.PublicKeyFromBase58(o.mint)
	if err != nil {
		return "", fmt.Errorf("--mint: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(o.to)
	if err != nil {
		return "", fmt.Errorf("--to: %w", err)
	}
	blockhash, err := solana.HashFromBase58(o.blockhash)
	if err != nil {
		return "", fmt.Errorf("--blockhash: %w", err)
	}
	amount, ok := new(big.Int).SetString(o.value, 10)
	if !ok || amount.Sign() <= 0 || !amount.IsUint64() {
		return "", fmt.Errorf("--value must be a positive 64-bit integer")
	}
	if o.decimals < 0 || o.decimals > 255 {
		return "", fmt.Errorf("--decimals out of range")
	}

	source, _, err := solana.FindAssociatedTokenAddress(owner.PublicKey(), mint)
	if err != nil {
		return "", fmt.Errorf("source account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("destination account: %w", err)
	}

	var instructions []solana.Instruction
	if o.createATA {
		create, err := associatedtokenaccount.NewCreateInstruction(owner.PublicKey(), recipient, mint).ValidateAndBuild()
		if err != nil {
			return "", fmt.Errorf("create account: %w", err)
		}
		instructions = append(instructions, create)
	}
	ix, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount.Uint64()).
		SetDecimals(uint8(o.decimals)).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner.PublicKey()).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("transfer: %w", err)
	}
	instructions = append(instructions, ix)

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(owner.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner.PublicKey()) {
			return &owner
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// atomic scales a display amount such as "0.01" to atomic units.
func atomic(amount string, decimals int) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("--amount: %w", err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", fmt.Errorf("--amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.String(), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
