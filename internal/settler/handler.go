package settler

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/ledger"
	"github.com/0gfoundation/x402-gate/internal/metrics"
)

const defaultMaxAttempts = 5

type handler struct {
	rdb         *redis.Client
	recorder    ledger.Recorder
	maxAttempts int
	metrics     metrics.Recorder
	log         *zap.Logger
}

// handle records one popped job. It reports whether the job went back on
// the queue for another attempt.
func (h *handler) handle(ctx context.Context, raw string) bool {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		h.log.Error("settler: unmarshal job", zap.String("raw", raw), zap.Error(err))
		h.push(ctx, DLQKey, raw)
		h.metrics.Settlement(metrics.SettlementDead)
		return false
	}
	p := job.Payment

	id, err := h.recorder.RecordPayment(ctx, p)
	if err == nil {
		h.log.Info("payment recorded",
			zap.String("ledger_id", id),
			zap.String("scheme", p.Scheme),
			zap.String("network", p.Network),
			zap.String("payer", p.Payer),
			zap.String("authorization", p.AuthorizationID),
		)
		h.metrics.Settlement(metrics.SettlementRecorded)
		return false
	}

	job.Attempts++
	job.LastError = err.Error()
	next, _ := json.Marshal(job)

	limit := h.maxAttempts
	if limit <= 0 {
		limit = defaultMaxAttempts
	}
	if job.Attempts >= limit {
		h.push(ctx, DLQKey, next)
		h.metrics.Settlement(metrics.SettlementDead)
		h.log.Error("settlement failed permanently, moved to DLQ",
			zap.String("authorization", p.AuthorizationID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		return false
	}

	if !h.push(ctx, QueueKey, next) {
		h.metrics.Settlement(metrics.SettlementDropped)
		return false
	}
	h.metrics.Settlement(metrics.SettlementRetried)
	h.log.Warn("settlement failed, will retry",
		zap.String("authorization", p.AuthorizationID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
	return true
}

// push appends to key even when ctx is already cancelled, so a job popped
// during shutdown is not lost.
func (h *handler) push(ctx context.Context, key string, job any) bool {
	if err := h.rdb.RPush(context.WithoutCancel(ctx), key, job).Err(); err != nil {
		h.log.Error("settler: push job", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
