package settler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

// Queue hands accepted payments to the settler.
type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

// Enqueue appends a settlement job. The caller has already granted access;
// a failure here only delays bookkeeping.
func (q *Queue) Enqueue(ctx context.Context, p payment.Canonical) error {
	raw, err := json.Marshal(Job{Payment: p, EnqueuedAt: q.now().Unix()})
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, QueueKey, raw).Err()
}

// Len returns the number of jobs waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}
