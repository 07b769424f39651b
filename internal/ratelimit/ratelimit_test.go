package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fidarail/fesledger/internal/apierr"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := New(NewInProcessStore(), 3)
	for i := 0; i < 3; i++ {
		if err := l.Allow(context.Background(), "key1"); err != nil {
			t.Fatalf("request %d: expected allow, got %v", i, err)
		}
	}
}

func TestLimiter_RejectsOverBurst(t *testing.T) {
	l := New(NewInProcessStore(), 2)
	ctx := context.Background()
	if err := l.Allow(ctx, "key1"); err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if err := l.Allow(ctx, "key1"); err != nil {
		t.Fatalf("request 2: %v", err)
	}
	err := l.Allow(ctx, "key1")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindRateLimited {
		t.Errorf("request 3: expected KindRateLimited, got %v", err)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(NewInProcessStore(), 1)
	ctx := context.Background()
	if err := l.Allow(ctx, "key1"); err != nil {
		t.Fatalf("key1: %v", err)
	}
	if err := l.Allow(ctx, "key2"); err != nil {
		t.Fatalf("key2 should have its own bucket, got %v", err)
	}
}

type erroringStore struct{}

func (erroringStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func TestLimiter_StoreErrorBecomesInternal(t *testing.T) {
	l := New(erroringStore{}, 10)
	err := l.Allow(context.Background(), "key1")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindInternal {
		t.Errorf("expected KindInternal, got %v", err)
	}
}

func TestInProcessStore_IncrMonotonic(t *testing.T) {
	s := NewInProcessStore()
	c1, err := s.Incr(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	c2, err := s.Incr(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if c2 != c1+1 {
		t.Errorf("expected monotonic increment, got %d then %d", c1, c2)
	}
}
