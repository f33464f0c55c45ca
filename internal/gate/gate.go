// Package gate puts a payment requirement in front of HTTP and gRPC
// handlers. A request passes once its proof verifies and its authorization
// is claimed for the first time.
package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/challenge"
	"github.com/0gfoundation/x402-gate/internal/metrics"
	"github.com/0gfoundation/x402-gate/internal/payment"
	"github.com/0gfoundation/x402-gate/internal/proof"
	"github.com/0gfoundation/x402-gate/internal/replay"
	"github.com/0gfoundation/x402-gate/internal/scheme"
)

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentFallback = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// retryAfterSeconds is advertised on 503 responses.
	retryAfterSeconds = "5"

	// unknownNetwork labels verifications that matched no requirement.
	unknownNetwork = "unknown"
)

// Verifier checks a decoded proof against a requirement.
type Verifier interface {
	Verify(ctx context.Context, req payment.Requirement, env *proof.Envelope) (*scheme.Verification, error)
}

// Settlement receives accepted payments for bookkeeping.
type Settlement interface {
	Enqueue(ctx context.Context, p payment.Canonical) error
}

// claimTimer is implemented by guards that remember when a key was claimed.
type claimTimer interface {
	FirstSeen(ctx context.Context, key string) (time.Time, bool, error)
}

// Gate admits requests that carry a valid, unused payment proof.
type Gate struct {
	issuer   *challenge.Issuer
	verifier Verifier
	guard    replay.Guard
	queue    Settlement
	reqs     map[string]payment.Requirement
	metrics  metrics.Recorder
	log      *zap.Logger
}

// New builds a gate offering reqs. queue may be nil, in which case accepted
// payments are only logged.
func New(
	issuer *challenge.Issuer,
	verifier Verifier,
	guard replay.Guard,
	queue Settlement,
	reqs []payment.Requirement,
	m metrics.Recorder,
	log *zap.Logger,
) *Gate {
	byKey := make(map[string]payment.Requirement, len(reqs))
	for _, r := range reqs {
		byKey[r.Key()] = r
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Gate{
		issuer:   issuer,
		verifier: verifier,
		guard:    guard,
		queue:    queue,
		reqs:     byKey,
		metrics:  m,
		log:      log,
	}
}

// admit decodes, verifies and claims a proof. Every rejection is a
// *payment.Error.
func (g *Gate) admit(ctx context.Context, header string) (*payment.Canonical, error) {
	env, err := proof.Decode(header)
	if err != nil {
		g.metrics.Verification("", unknownNetwork, string(payment.ReasonOf(err)), 0)
		return nil, err
	}
	// Metric labels come from the matched requirement, never from the header.
	req, ok := g.reqs[payment.Key(env.Scheme, env.Network)]
	if !ok {
		g.metrics.Verification("", unknownNetwork, string(payment.ReasonUnsupportedScheme), 0)
		return nil, payment.Reject(payment.ReasonUnsupportedScheme, "%s on %s is not accepted here", env.Scheme, env.Network)
	}

	start := time.Now()
	res, err := g.verifier.Verify(ctx, req, env)
	g.metrics.Verification(req.Scheme, req.Network, string(payment.ReasonOf(err)), time.Since(start))
	if err != nil {
		return nil, err
	}

	won, err := g.guard.Claim(ctx, res.ClaimKey, res.ClaimTTL)
	if err != nil {
		return nil, payment.Wrap(payment.ReasonStoreUnavailable, err, "replay store")
	}
	if !won {
		g.logReplay(ctx, res)
		return nil, payment.Reject(payment.ReasonNonceReused, "authorization %s already accepted", res.Payment.AuthorizationID)
	}

	p := res.Payment
	g.log.Info("payment accepted",
		zap.String("scheme", p.Scheme),
		zap.String("network", p.Network),
		zap.String("payer", p.Payer),
		zap.String("amount", p.Amount.String()),
		zap.String("authorization", p.AuthorizationID),
	)
	g.settle(ctx, p)
	return &p, nil
}

func (g *Gate) logReplay(ctx context.Context, res *scheme.Verification) {
	ct, ok := g.guard.(claimTimer)
	if !ok {
		return
	}
	at, found, err := ct.FirstSeen(ctx, res.ClaimKey)
	if err != nil || !found {
		return
	}
	g.log.Info("authorization replayed",
		zap.String("authorization", res.Payment.AuthorizationID),
		zap.Time("first_seen", at),
	)
}

// settle hands the payment to the settlement queue. Access is already
// granted, so failures are only logged.
func (g *Gate) settle(ctx context.Context, p payment.Canonical) {
	if g.queue == nil {
		return
	}
	if err := g.queue.Enqueue(context.WithoutCancel(ctx), p); err != nil {
		g.metrics.Settlement(metrics.SettlementDropped)
		g.log.Error("enqueue settlement",
			zap.String("authorization", p.AuthorizationID),
			zap.Error(err),
		)
	}
}

// Receipt is the decoded form of the payment response header.
type Receipt struct {
	Success         bool   `json:"success"`
	Payer           string `json:"payer"`
	AuthorizationID string `json:"authorizationId"`
	Network         string `json:"network"`
	Scheme          string `json:"scheme"`
}

func encodeReceipt(p *payment.Canonical) string {
	raw, _ := json.Marshal(Receipt{
		Success:         true,
		Payer:           p.Payer,
		AuthorizationID: p.AuthorizationID,
		Network:         p.Network,
		Scheme:          p.Scheme,
	})
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeReceipt parses a payment response header value.
func DecodeReceipt(s string) (*Receipt, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var r Receipt
	return &r, json.Unmarshal(raw, &r)
}
