package settler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/x402-gate/internal/config"
	"github.com/0gfoundation/x402-gate/internal/ledger"
	"github.com/0gfoundation/x402-gate/internal/metrics"
)

// Run is the main settler loop: BLPOP → record → retry or dead-letter.
func Run(ctx context.Context, cfg *config.Config, rdb *redis.Client, recorder ledger.Recorder, m metrics.Recorder, log *zap.Logger) {
	pollTimeout := cfg.Settlement.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	h := &handler{rdb: rdb, recorder: recorder, maxAttempts: cfg.Settlement.MaxAttempts, metrics: m, log: log}

	log.Info("settler started", zap.String("queue", QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := rdb.BLPop(ctx, pollTimeout, QueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				log.Info("settler stopped")
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		if retried := h.handle(ctx, results[1]); retried {
			// Back off a little so a down ledger is not hammered.
			sleep(ctx, time.Second)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
