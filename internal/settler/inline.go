package settler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/ledger"
	"github.com/0gfoundation/x402-gate/internal/metrics"
	"github.com/0gfoundation/x402-gate/internal/payment"
)

const inlineTimeout = 30 * time.Second

// Inline records each payment in its own goroutine. It stands in for the
// Redis queue when the gate runs without Redis; a failed record is logged
// and not retried.
type Inline struct {
	recorder ledger.Recorder
	metrics  metrics.Recorder
	log      *zap.Logger
}

func NewInline(recorder ledger.Recorder, m metrics.Recorder, log *zap.Logger) *Inline {
	return &Inline{recorder: recorder, metrics: m, log: log}
}

func (q *Inline) Enqueue(ctx context.Context, p payment.Canonical) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineTimeout)
		defer cancel()
		id, err := q.recorder.RecordPayment(ctx, p)
		if err != nil {
			q.metrics.Settlement(metrics.SettlementDead)
			q.log.Error("record payment",
				zap.String("authorization", p.AuthorizationID),
				zap.Error(err),
			)
			return
		}
		q.metrics.Settlement(metrics.SettlementRecorded)
		q.log.Info("payment recorded",
			zap.String("ledger_id", id),
			zap.String("authorization", p.AuthorizationID),
		)
	}()
	return nil
}
