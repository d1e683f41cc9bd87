package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

func TestLocker_TryAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("acquires a free lock", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		ok, err := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected lock to be acquired")
		}
	})

	t.Run("rejects a held lock", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute); !ok {
			t.Fatal("setup: expected first acquire to succeed")
		}

		ok, err := locker.TryAcquire(ctx, "order:lock:1", "token-b", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected second acquire to fail")
		}
	})

	t.Run("lock frees after ttl expiry", func(t *testing.T) {
		mr, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Second); !ok {
			t.Fatal("setup: expected first acquire to succeed")
		}

		mr.FastForward(2 * time.Second)

		ok, err := locker.TryAcquire(ctx, "order:lock:1", "token-b", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected acquire to succeed after expiry")
		}
	})
}

func TestLocker_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("holder releases its own lock", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute); !ok {
			t.Fatal("setup: expected acquire to succeed")
		}

		ok, err := locker.Release(ctx, "order:lock:1", "token-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected release to succeed")
		}

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-b", time.Minute); !ok {
			t.Fatal("expected lock to be free after release")
		}
	})

	t.Run("mismatched token is a no-op", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute); !ok {
			t.Fatal("setup: expected acquire to succeed")
		}

		ok, err := locker.Release(ctx, "order:lock:1", "token-b")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected release with wrong token to return false")
		}

		// The real holder's lock must still be present.
		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-c", time.Minute); ok {
			t.Fatal("expected lock to still be held")
		}
	})

	t.Run("releasing an absent lock returns false", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		ok, err := locker.Release(ctx, "order:lock:missing", "token-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected release of absent lock to return false")
		}
	})
}

func TestLocker_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for a contended lock within budget", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute); !ok {
			t.Fatal("setup: expected acquire to succeed")
		}

		go func() {
			time.Sleep(100 * time.Millisecond)
			_, _ = locker.Release(ctx, "order:lock:1", "token-a")
		}()

		ok, err := locker.Acquire(ctx, "order:lock:1", "token-b", time.Minute, 2*time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected bounded wait to eventually acquire")
		}
	})

	t.Run("gives up after the wait budget", func(t *testing.T) {
		_, rdb := newTestClient(t)
		locker := NewLocker(rdb)

		if ok, _ := locker.TryAcquire(ctx, "order:lock:1", "token-a", time.Minute); !ok {
			t.Fatal("setup: expected acquire to succeed")
		}

		ok, err := locker.Acquire(ctx, "order:lock:1", "token-b", time.Minute, 150*time.Millisecond)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected acquire to give up")
		}
	})
}

func TestGuard_MarkIfAbsent(t *testing.T) {
	ctx := context.Background()

	t.Run("first call creates the marker", func(t *testing.T) {
		_, rdb := newTestClient(t)
		guard := NewGuard(rdb)

		ok, err := guard.MarkIfAbsent(ctx, "order:idempotency:1:ORD1", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected first mark to succeed")
		}
	})

	t.Run("second call is rejected", func(t *testing.T) {
		_, rdb := newTestClient(t)
		guard := NewGuard(rdb)

		if ok, _ := guard.MarkIfAbsent(ctx, "order:idempotency:1:ORD1", time.Hour); !ok {
			t.Fatal("setup: expected first mark to succeed")
		}

		ok, err := guard.MarkIfAbsent(ctx, "order:idempotency:1:ORD1", time.Hour)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected duplicate mark to be rejected")
		}
	})

	t.Run("marker expires after ttl", func(t *testing.T) {
		mr, rdb := newTestClient(t)
		guard := NewGuard(rdb)

		if ok, _ := guard.MarkIfAbsent(ctx, "order:idempotency:1:ORD1", time.Second); !ok {
			t.Fatal("setup: expected first mark to succeed")
		}

		mr.FastForward(2 * time.Second)

		ok, err := guard.MarkIfAbsent(ctx, "order:idempotency:1:ORD1", time.Second)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatal("expected mark to succeed after expiry")
		}
	})
}
