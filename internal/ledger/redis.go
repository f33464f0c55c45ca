package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/x402-gate/internal/payment"
)

const (
	indexKeyPrefix = "x402:ledger:idx:"
	entryKeyPrefix = "x402:ledger:entry:"
)

// Redis keeps the ledger in Redis hashes. An index key per payment makes
// RecordPayment idempotent.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (l *Redis) RecordPayment(ctx context.Context, p payment.Canonical) (string, error) {
	id := uuid.NewString()
	idx := indexKeyPrefix + p.ClaimKey()

	won, err := l.rdb.SetNX(ctx, idx, id, 0).Result()
	if err != nil {
		return "", fmt.Errorf("ledger index: %w", err)
	}
	if !won {
		existing, err := l.rdb.Get(ctx, idx).Result()
		if err != nil {
			return "", fmt.Errorf("ledger index: %w", err)
		}
		return existing, nil
	}

	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	if err := l.rdb.HSet(ctx, entryKeyPrefix+id, map[string]any{
		"scheme":          p.Scheme,
		"network":         p.Network,
		"payer":           p.Payer,
		"payee":           p.Payee,
		"amount":          amount,
		"asset":           p.Asset,
		"authorizationId": p.AuthorizationID,
		"status":          StatusPaid,
		"recordedAt":      l.now().Unix(),
	}).Err(); err != nil {
		// Release the index so a retry can record the entry.
		l.rdb.Del(ctx, idx)
		return "", fmt.Errorf("ledger entry: %w", err)
	}
	return id, nil
}

