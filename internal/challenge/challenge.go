// Package challenge builds the 402 response bodies that tell a client what
// to pay and where.
package challenge

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// Version is the x402 protocol version advertised in every body.
const Version = 1

// Payment is the price block of a challenge.
type Payment struct {
	Recipient     string `json:"recipient"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	AmountDisplay string `json:"amountDisplay"`
	Description   string `json:"description,omitempty"`
}

// Challenge describes one accepted way to pay.
type Challenge struct {
	Scheme  string  `json:"scheme"`
	Network string  `json:"network"`
	Payment Payment `json:"payment"`
	ChainID string  `json:"chainId"`
}

// Body is the JSON returned with a 402. The first offered challenge is
// inlined for clients that only understand a single option.
type Body struct {
	Challenge
	X402Version int            `json:"x402Version"`
	Reason      payment.Reason `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Accepts     []Challenge    `json:"accepts"`
}

// Issuer renders challenges for a fixed set of requirements.
type Issuer struct {
	accepts []Challenge
}

func New(reqs ...payment.Requirement) *Issuer {
	iss := &Issuer{accepts: make([]Challenge, 0, len(reqs))}
	for _, r := range reqs {
		iss.accepts = append(iss.accepts, Build(r))
	}
	return iss
}

// Build renders a single requirement.
func Build(req payment.Requirement) Challenge {
	amount := "0"
	if req.Price != nil {
		amount = req.Price.String()
	}
	return Challenge{
		Scheme:  req.Scheme,
		Network: req.Network,
		Payment: Payment{
			Recipient:     req.Recipient,
			Asset:         req.Asset,
			Amount:        amount,
			AmountDisplay: Display(amount, req.Decimals, req.Symbol),
			Description:   req.Description,
		},
		ChainID: req.ChainID,
	}
}

// Display renders an atomic amount in whole units, e.g. "0.01 USDC".
func Display(atomic string, decimals int32, symbol string) string {
	d, err := decimal.NewFromString(atomic)
	if err != nil {
		return atomic
	}
	s := d.Shift(-decimals).String()
	if symbol == "" {
		return s
	}
	return s + " " + symbol
}

// Accepts returns every offered challenge.
func (i *Issuer) Accepts() []Challenge {
	out := make([]Challenge, len(i.accepts))
	copy(out, i.accepts)
	return out
}

// Body builds the 402 body. err, when non-nil, fills reason and error.
func (i *Issuer) Body(err error) Body {
	b := Body{X402Version: Version, Accepts: i.Accepts()}
	if len(i.accepts) > 0 {
		b.Challenge = i.accepts[0]
	}
	if err != nil {
		b.Reason = payment.ReasonOf(err)
		b.Error = detail(err)
	}
	return b
}

func detail(err error) string {
	msg := err.Error()
	if r := payment.ReasonOf(err); r != "" {
		msg = strings.TrimPrefix(strings.TrimPrefix(msg, string(r)), ": ")
	}
	return msg
}
