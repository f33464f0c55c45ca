// Package replay tracks which payment authorizations have already been
// accepted. Claim is the only operation that grants access; Seen is a
// read-only fast path used during verification.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces claim keys in Redis.
const KeyPrefix = "x402:claim:"

// Guard is an atomic claim-once store keyed by authorization id.
type Guard interface {
	// Seen reports whether key has already been claimed.
	Seen(ctx context.Context, key string) (bool, error)
	// Claim records key if it is unclaimed and reports whether this call won.
	// ttl <= 0 keeps the claim forever.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Redis is a Guard shared by every gate instance pointing at the same Redis.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (g *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.rdb.Exists(ctx, KeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists: %w", err)
	}
	return n > 0, nil
}

func (g *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	set, err := g.rdb.SetNX(ctx, KeyPrefix+key, g.now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay claim: %w", err)
	}
	return set, nil
}

// FirstSeen returns when key was claimed.
func (g *Redis) FirstSeen(ctx context.Context, key string) (time.Time, bool, error) {
	ts, err := g.rdb.Get(ctx, KeyPrefix+key).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("replay get: %w", err)
	}
	return time.Unix(ts, 0), true, nil
}
