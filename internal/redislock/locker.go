// Package redislock provides the cross-process coordination primitives used
// during order admission: an advisory lease-based mutex and a one-shot
// idempotency guard, both backed by a shared Redis instance.
package redislock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's
// token, as a single atomic script. A holder whose lease already expired
// can never release a lock that was since re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`)

// Locker is an advisory, lease-based, non-reentrant mutex. If a holder
// crashes, the TTL bounds how long the key stays taken. There is no lease
// renewal: callers must pick a TTL that exceeds their critical section.
type Locker struct {
	rdb *redis.Client
}

func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// TryAcquire attempts a single atomic set-if-absent with expiry. It returns
// true only when this call took the lock.
func (l *Locker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, key, token, ttl).Result()
}

// Acquire polls TryAcquire until it succeeds, the wait budget runs out, or
// the context is cancelled. Lock contention is expected here; a false return
// is a retryable condition, not an error.
func (l *Locker) Acquire(ctx context.Context, key, token string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.TryAcquire(ctx, key, token, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release removes the lock if and only if token still owns it. Returns false
// when the key was absent or held by another token; the real holder's lock
// is left untouched.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
