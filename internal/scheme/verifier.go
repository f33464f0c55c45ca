// Package scheme runs the shared verification state machine. Each payment
// scheme plugs in as a Strategy selected by the proof's (network, scheme).
package scheme

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/chain"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/replay"
)

// Evidence is a proof resolved to its canonical payment plus whatever the
// strategy needs for its own checks.
type Evidence struct {
	Payment payment.Canonical

	// Authorization window. Zero values mean unbounded on that side.
	ValidAfter  time.Time
	ValidBefore time.Time

	Data any
}

// Strategy implements the scheme-specific steps of verification.
type Strategy interface {
	Scheme() string
	Network() string
	// Resolve maps the payload to a canonical payment without any I/O.
	Resolve(req payment.Requirement, env *proof.Envelope) (*Evidence, error)
	// VerifyProof checks the cryptographic or on-chain evidence of intent.
	VerifyProof(ctx context.Context, req payment.Requirement, ev *Evidence) error
	// CheckFunds checks the payer can cover a transfer that has not executed yet.
	CheckFunds(ctx context.Context, req payment.Requirement, ev *Evidence) error
	// Used asks the chain whether the authorization was already consumed.
	Used(ctx context.Context, ev *Evidence) (bool, error)
	// ClaimTTL bounds how long the replay claim must be kept.
	ClaimTTL(ev *Evidence, now time.Time) time.Duration
}

// Registry maps (network, scheme) to a Strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[payment.Key(s.Scheme(), s.Network())] = s
}

func (r *Registry) Lookup(scheme, network string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[payment.Key(scheme, network)]
	return s, ok
}

// Verification is an accepted proof, ready for the caller to claim.
type Verification struct {
	Payment  payment.Canonical
	ClaimKey string
	ClaimTTL time.Duration
}

// Verifier runs the check pipeline shared by every scheme.
type Verifier struct {
	registry *Registry
	guard    replay.Guard
	log      *zap.Logger
	now      func() time.Time
}

func NewVerifier(registry *Registry, guard replay.Guard, log *zap.Logger) *Verifier {
	return &Verifier{registry: registry, guard: guard, log: log, now: time.Now}
}

// Verify checks env against req and returns the canonical payment on
// success. It never writes: the replay claim is left to the caller.
// Rejections are *payment.Error values.
func (v *Verifier) Verify(ctx context.Context, req payment.Requirement, env *proof.Envelope) (*Verification, error) {
	if env.Scheme != req.Scheme || env.Network != req.Network {
		return nil, payment.Reject(payment.ReasonUnsupportedScheme,
			"proof for %s on %s does not match requirement %s on %s", env.Scheme, env.Network, req.Scheme, req.Network)
	}
	strategy, ok := v.registry.Lookup(env.Scheme, env.Network)
	if !ok {
		return nil, payment.Reject(payment.ReasonUnsupportedScheme, "no verifier for %s on %s", env.Scheme, env.Network)
	}

	// PROOF_RECEIVED → STRUCTURALLY_VALID
	ev, err := strategy.Resolve(req, env)
	if err != nil {
		var pe *payment.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, payment.Wrap(payment.ReasonMalformedProof, err, "")
	}
	p := ev.Payment
	p.Scheme, p.Network = env.Scheme, env.Network
	ev.Payment = p

	if !strings.EqualFold(p.Payee, req.Recipient) {
		return nil, payment.Reject(payment.ReasonWrongRecipient, "payee %s, expected %s", p.Payee, req.Recipient)
	}
	if p.Amount == nil || p.Amount.Cmp(req.Price) < 0 {
		return nil, payment.Reject(payment.ReasonInsufficientAmount, "amount %s below price %s", p.Amount, req.Price)
	}
	now := v.now()
	if !ev.ValidAfter.IsZero() && now.Before(ev.ValidAfter) {
		return nil, payment.Reject(payment.ReasonAuthorizationExpired, "authorization not valid until %s", ev.ValidAfter.UTC())
	}
	if !ev.ValidBefore.IsZero() && !now.Before(ev.ValidBefore) {
		return nil, payment.Reject(payment.ReasonAuthorizationExpired, "authorization expired at %s", ev.ValidBefore.UTC())
	}

	// → CRYPTO_VALID
	if err := strategy.VerifyProof(ctx, req, ev); err != nil {
		return nil, asRejection(err, payment.ReasonInvalidProof)
	}

	// → FUNDS_SUFFICIENT
	if err := strategy.CheckFunds(ctx, req, ev); err != nil {
		return nil, asRejection(err, payment.ReasonInsufficientFunds)
	}

	// → FRESH. The local store is a cache; the chain is always asked.
	key := p.ClaimKey()
	seen, err := v.guard.Seen(ctx, key)
	if err != nil {
		return nil, payment.Wrap(payment.ReasonStoreUnavailable, err, "replay store")
	}
	if seen {
		return nil, payment.Reject(payment.ReasonNonceReused, "authorization %s already accepted", p.AuthorizationID)
	}
	used, err := strategy.Used(ctx, ev)
	if err != nil {
		return nil, asRejection(err, payment.ReasonNonceReused)
	}
	if used {
		// The local store missed it: another instance or a restart lost the claim.
		v.log.Warn("authorization already consumed on chain",
			zap.String("scheme", p.Scheme),
			zap.String("network", p.Network),
			zap.String("authorization", p.AuthorizationID),
		)
		return nil, payment.Reject(payment.ReasonNonceReused, "authorization %s already used on chain", p.AuthorizationID)
	}

	return &Verification{
		Payment:  p,
		ClaimKey: key,
		ClaimTTL: strategy.ClaimTTL(ev, now),
	}, nil
}

// asRejection keeps a strategy's own reason and tags a missing chain record
// with fallback. Any other failure fails closed as CHAIN_UNAVAILABLE.
func asRejection(err error, fallback payment.Reason) error {
	var pe *payment.Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, chain.ErrNotFound) {
		return payment.Wrap(fallback, err, "")
	}
	return payment.Wrap(payment.ReasonChainUnavailable, err, "")
}
