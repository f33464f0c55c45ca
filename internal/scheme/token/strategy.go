// Package token verifies token-transfer proofs: a fully signed Solana
// transaction carrying one SPL TransferChecked to the recipient's
// associated token account. The gate never submits it.
package token

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/0gfoundation/x402-gate/internal/chain"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/scheme"
)

const maxComputeBudgetInstructions = 4

// Chain is what the strategy reads from the Solana cluster.
type Chain interface {
	TokenBalance(ctx context.Context, account solana.PublicKey) (*big.Int, error)
	SignatureLanded(ctx context.Context, sig solana.Signature) (bool, error)
	BlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)
}

// Strategy verifies token-transfer proofs for one mint on one cluster.
type Strategy struct {
	network   string
	chain     Chain
	mint      solana.PublicKey
	recipient solana.PublicKey
	decimals  uint8
	claimTTL  time.Duration
}

type Config struct {
	Network   string
	Mint      solana.PublicKey
	Recipient solana.PublicKey // wallet; payments land in its associated token account
	Decimals  uint8
	ClaimTTL  time.Duration
}

func New(cfg Config, c Chain) *Strategy {
	return &Strategy{
		network:   cfg.Network,
		chain:     c,
		mint:      cfg.Mint,
		recipient: cfg.Recipient,
		decimals:  cfg.Decimals,
		claimTTL:  cfg.ClaimTTL,
	}
}

func (s *Strategy) Scheme() string  { return payment.SchemeTokenTransfer }
func (s *Strategy) Network() string { return s.network }

type evidence struct {
	tx           *solana.Transaction
	transfer     *token.TransferChecked
	tokenProgram solana.PublicKey
	source       solana.PublicKey
	mint         solana.PublicKey
	owner        solana.PublicKey
}

// Resolve decodes the transaction and picks out its single transfer. The
// destination maps back to the recipient wallet only when it is that
// wallet's associated token account for the transfer's mint.
func (s *Strategy) Resolve(_ payment.Requirement, env *proof.Envelope) (*scheme.Evidence, error) {
	p := env.Token()
	if p == nil {
		return nil, payment.Reject(payment.ReasonMalformedProof, "missing token payload")
	}
	raw, err := base64.StdEncoding.DecodeString(p.SerializedTransaction)
	if err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "serializedTransaction")
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "decode transaction")
	}
	if len(tx.Signatures) == 0 || len(tx.Signatures) != int(tx.Message.Header.NumRequiredSignatures) {
		return nil, payment.Reject(payment.ReasonMalformedProof,
			"%d signatures for %d required signers", len(tx.Signatures), tx.Message.Header.NumRequiredSignatures)
	}
	if len(tx.Message.AddressTableLookups) > 0 {
		return nil, payment.Reject(payment.ReasonInvalidProof, "address table lookups are not supported")
	}

	e, err := s.findTransfer(tx)
	if err != nil {
		return nil, err
	}

	dest := e.transfer.GetDestinationAccount().PublicKey
	if dest.Equals(s.recipient) {
		return nil, payment.Reject(payment.ReasonWrongRecipient, "destination %s is a wallet, not a token account", dest)
	}
	payee := dest.String()
	if ata, err := associatedAccount(s.recipient, e.mint, e.tokenProgram); err == nil && ata.Equals(dest) {
		payee = s.recipient.String()
	}

	return &scheme.Evidence{
		Payment: payment.Canonical{
			Payer:           e.owner.String(),
			Payee:           payee,
			Amount:          new(big.Int).SetUint64(*e.transfer.Amount),
			Asset:           e.mint.String(),
			AuthorizationID: tx.Signatures[0].String(),
		},
		Data: e,
	}, nil
}

// findTransfer walks the instruction list. Only compute budget settings, one
// creation of the recipient's token account and exactly one TransferChecked
// are allowed.
func (s *Strategy) findTransfer(tx *solana.Transaction) (*evidence, error) {
	var (
		e              *evidence
		computeBudgets int
		ataCreates     int
		created        *solana.PublicKey
	)
	for i, inst := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			return nil, payment.Wrap(payment.ReasonMalformedProof, err, "program index")
		}
		accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return nil, payment.Wrap(payment.ReasonMalformedProof, err, "instruction accounts")
		}

		switch {
		case program.Equals(solana.ComputeBudget):
			computeBudgets++
			if computeBudgets > maxComputeBudgetInstructions {
				return nil, payment.Reject(payment.ReasonInvalidProof, "too many compute budget instructions")
			}

		case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
			ataCreates++
			if ataCreates > 1 || e != nil {
				return nil, payment.Reject(payment.ReasonInvalidProof, "unexpected associated account instruction %d", i)
			}
			// create(payer, account, wallet, mint, system, tokenProgram)
			if len(accounts) < 6 || !accounts[2].PublicKey.Equals(s.recipient) || !accounts[3].PublicKey.Equals(s.mint) {
				return nil, payment.Reject(payment.ReasonInvalidProof, "instruction %d creates a foreign token account", i)
			}
			created = &accounts[1].PublicKey

		case program.Equals(solana.TokenProgramID), program.Equals(solana.Token2022ProgramID):
			if e != nil {
				return nil, payment.Reject(payment.ReasonInvalidProof, "more than one token instruction")
			}
			if len(accounts) < 4 {
				return nil, payment.Reject(payment.ReasonInvalidProof, "instruction %d has too few accounts", i)
			}
			decoded, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				return nil, payment.Wrap(payment.ReasonInvalidProof, err, "decode token instruction")
			}
			tc, ok := decoded.Impl.(*token.TransferChecked)
			if !ok || tc.Amount == nil || tc.Decimals == nil {
				return nil, payment.Reject(payment.ReasonInvalidProof, "instruction %d is not a TransferChecked", i)
			}
			e = &evidence{
				tx:           tx,
				transfer:     tc,
				tokenProgram: program,
				source:       tc.GetSourceAccount().PublicKey,
				mint:         tc.GetMintAccount().PublicKey,
				owner:        tc.GetOwnerAccount().PublicKey,
			}

		default:
			return nil, payment.Reject(payment.ReasonInvalidProof, "unexpected program %s", program)
		}
	}
	if e == nil {
		return nil, payment.Reject(payment.ReasonInvalidProof, "no TransferChecked instruction")
	}
	if created != nil && !created.Equals(e.transfer.GetDestinationAccount().PublicKey) {
		return nil, payment.Reject(payment.ReasonInvalidProof, "created account %s is not the transfer destination", *created)
	}
	return e, nil
}

func (s *Strategy) VerifyProof(ctx context.Context, _ payment.Requirement, ev *scheme.Evidence) error {
	e := ev.Data.(*evidence)

	if !e.mint.Equals(s.mint) {
		return payment.Reject(payment.ReasonInvalidProof, "mint %s, expected %s", e.mint, s.mint)
	}
	if *e.transfer.Decimals != s.decimals {
		return payment.Reject(payment.ReasonInvalidProof, "decimals %d, expected %d", *e.transfer.Decimals, s.decimals)
	}
	if !e.tx.Message.IsSigner(e.owner) {
		return payment.Reject(payment.ReasonInvalidSignature, "owner %s did not sign", e.owner)
	}
	if err := e.tx.VerifySignatures(); err != nil {
		return payment.Wrap(payment.ReasonInvalidSignature, err, "")
	}

	valid, err := s.chain.BlockhashValid(ctx, e.tx.Message.RecentBlockhash)
	if err != nil {
		return err
	}
	if !valid {
		return payment.Reject(payment.ReasonAuthorizationExpired, "blockhash %s expired", e.tx.Message.RecentBlockhash)
	}
	return nil
}

func (s *Strategy) CheckFunds(ctx context.Context, _ payment.Requirement, ev *scheme.Evidence) error {
	e := ev.Data.(*evidence)
	bal, err := s.chain.TokenBalance(ctx, e.source)
	if errors.Is(err, chain.ErrNotFound) {
		bal, err = new(big.Int), nil
	}
	if err != nil {
		return err
	}
	if bal.Cmp(ev.Payment.Amount) < 0 {
		return payment.Reject(payment.ReasonInsufficientFunds, "source %s holds %s", e.source, bal)
	}
	return nil
}

// Used reports whether the transaction already landed on the cluster.
func (s *Strategy) Used(ctx context.Context, ev *scheme.Evidence) (bool, error) {
	e := ev.Data.(*evidence)
	return s.chain.SignatureLanded(ctx, e.tx.Signatures[0])
}

func (s *Strategy) ClaimTTL(*scheme.Evidence, time.Time) time.Duration { return s.claimTTL }

// associatedAccount derives the associated token account of wallet for mint.
func associatedAccount(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{wallet[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}
