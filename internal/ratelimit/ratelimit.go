// Package ratelimit implements a fixed 1-second window counter per API
// key id, mirroring fida/rate_limit.py's Redis INCR/EXPIRE bucket but
// behind a Store interface so a Redis-compatible backend is a drop-in
// replacement for the in-process default (spec §4.7, §9).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fidarail/fesledger/internal/apierr"
)

// Store increments the counter for key within the current window and
// reports the new count. Implementations own window expiry.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, err error)
}

// Limiter enforces a burst bound per key id using a 1-second fixed
// window, per spec §4.7: "Window is fixed 1 second; burst limit B
// (default 40); on exceeding return 429."
type Limiter struct {
	store  Store
	burst  int64
	window time.Duration
}

// New constructs a Limiter with the given burst bound, backed by store.
func New(store Store, burst int) *Limiter {
	return &Limiter{store: store, burst: int64(burst), window: time.Second}
}

// Allow increments the window counter for keyID and returns a
// RateLimited apierr if the burst bound is exceeded.
func (l *Limiter) Allow(ctx context.Context, keyID string) error {
	count, err := l.store.Incr(ctx, keyID, l.window)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "rate_limit_store_error", err)
	}
	if count > l.burst {
		return apierr.New(apierr.KindRateLimited, "rate_limit_exceeded")
	}
	return nil
}

// InProcessStore is the default Store: an in-memory fixed-window
// counter keyed by (key, window-bucket), suitable for a single
// process. Multi-process deployments should supply a Redis-backed
// Store instead (spec §4.7's "shared cache... is equivalent" clause).
type InProcessStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count  int64
	expiry time.Time
}

// NewInProcessStore constructs an empty in-memory Store.
func NewInProcessStore() *InProcessStore {
	return &InProcessStore{buckets: make(map[string]*bucket)}
}

// Incr implements Store.
func (s *InProcessStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	windowKey := fmt.Sprintf("%s:%d", key, now.Unix())

	b, ok := s.buckets[windowKey]
	if !ok || now.After(b.expiry) {
		b = &bucket{count: 0, expiry: now.Add(window)}
		s.buckets[windowKey] = b
		s.gc(now)
	}
	b.count++
	return b.count, nil
}

// gc drops expired buckets; called while holding mu.
func (s *InProcessStore) gc(now time.Time) {
	for k, b := range s.buckets {
		if now.After(b.expiry) {
			delete(s.buckets, k)
		}
	}
}
