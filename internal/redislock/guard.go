package redislock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records that a business operation has been accepted, for duplicate
// rejection. Markers are never read for their value and never explicitly
// released; they expire after their TTL.
type Guard struct {
	rdb *redis.Client
}

func NewGuard(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb}
}

// MarkIfAbsent returns true when this call created the marker, false when
// the operation was already seen.
func (g *Guard) MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.rdb.SetNX(ctx, key, "1", ttl).Result()
}
