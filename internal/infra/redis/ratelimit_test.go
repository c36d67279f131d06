//go:build !integration

package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	red "membership-billing-pipeline/internal/infra/redis"
)

type fakeCounterStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounterStore() *fakeCounterStore {
	return &fakeCounterStore{counts: make(map[string]int64), expires: make(map[string]time.Duration)}
}

func (f *fakeCounterStore) Ping(ctx context.Context) error { return nil }

func (f *fakeCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounterStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = expiration
	return nil
}

func (f *fakeCounterStore) Close() error { return nil }

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("denies once the window budget is spent", func(t *testing.T) {
		store := newFakeCounterStore()
		rl := red.NewRateLimiter(store, 3, time.Minute)

		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "hotmart")
			if err != nil || !ok {
				t.Fatalf("request %d should pass: ok=%v err=%v", i+1, ok, err)
			}
		}
		ok, err := rl.Allow(ctx, "hotmart")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("the fourth request must be denied")
		}
	})

	t.Run("keys are independent per provider", func(t *testing.T) {
		store := newFakeCounterStore()
		rl := red.NewRateLimiter(store, 1, time.Minute)

		if ok, _ := rl.Allow(ctx, "hotmart"); !ok {
			t.Fatal("first hotmart request should pass")
		}
		if ok, _ := rl.Allow(ctx, "kiwify"); !ok {
			t.Error("kiwify must not share hotmart's budget")
		}
	})

	t.Run("the window bucket gets an expiry on first hit", func(t *testing.T) {
		store := newFakeCounterStore()
		rl := red.NewRateLimiter(store, 10, time.Minute)

		if _, err := rl.Allow(ctx, "hotmart"); err != nil {
			t.Fatal(err)
		}
		if len(store.expires) != 1 {
			t.Fatalf("expected one expiring bucket, got %d", len(store.expires))
		}
		for _, d := range store.expires {
			if d < time.Minute {
				t.Errorf("bucket must outlive the window, got %s", d)
			}
		}
	})

	t.Run("a store failure fails open", func(t *testing.T) {
		store := newFakeCounterStore()
		store.err = errors.New("connection refused")
		rl := red.NewRateLimiter(store, 1, time.Minute)

		ok, err := rl.Allow(ctx, "hotmart")
		if err == nil {
			t.Error("expected the store error surfaced for logging")
		}
		if !ok {
			t.Error("a limiter outage must not drop webhooks")
		}
	})
}
