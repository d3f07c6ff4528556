package ratelimit

import (
	"context"
	"sync"
	"time"
)

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

// LocalStore is the in-process bucket store. It is the fail-open fallback
// when the shared store is down, and the primary store for single-instance
// deployments and tests.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

// NewLocalStore creates an empty local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{buckets: make(map[string]*localBucket)}
}

// Take implements BucketStore with a single mutex; contention is acceptable
// because checks are sub-microsecond.
func (s *LocalStore) Take(_ context.Context, key string, capacity int, refillRate, cost float64, now time.Time) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		bucket = &localBucket{tokens: float64(capacity), lastRefill: now}
		s.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens = minFloat(float64(capacity), bucket.tokens+elapsed*refillRate)
		bucket.lastRefill = now
	}

	if bucket.tokens >= cost {
		bucket.tokens -= cost
		return true, bucket.tokens, nil
	}
	return false, bucket.tokens, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
