// Package ledger records accepted payments in the operator's books.
package ledger

import (
	"context"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// Recorder persists an accepted payment. Recording the same payment twice
// returns the id assigned the first time.
type Recorder interface {
	RecordPayment(ctx context.Context, p payment.Canonical) (string, error)
}

const StatusPaid = "paid"
