package settler

import "github.com/0gfoundation/x402-gate/internal/payment"

const (
	QueueKey = "x402:settlement:queue"
	DLQKey   = "x402:settlement:dlq"
)

// Job is one accepted payment waiting to be recorded in the ledger.
type Job struct {
	Payment    payment.Canonical `json:"payment"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt int64             `json:"enqueuedAt"`
	LastError  string            `json:"lastError,omitempty"`
}
