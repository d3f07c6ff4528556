package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of a limiter check. A denial is flow control, not
// an error: RetryAfter tells the caller how long to back off.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// BucketStore performs an atomic refill-and-consume on the bucket behind a
// key. Implementations must not lose updates under concurrent callers for
// the same key.
type BucketStore interface {
	// Take refills the bucket to at most capacity at refillRate tokens/sec,
	// then consumes cost tokens if available. It returns whether the take
	// succeeded and the token count left after the call.
	Take(ctx context.Context, key string, capacity int, refillRate, cost float64, now time.Time) (allowed bool, tokens float64, err error)
}

// Limiter is the per-(subject, operation-class) token-bucket admission
// controller. The primary store is shared across service instances; when it
// is unreachable the limiter fails open onto a process-local store rather
// than blocking all traffic.
type Limiter struct {
	store    BucketStore
	fallback *LocalStore
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	outageUntil time.Time
}

// outageLogWindow bounds how often a store outage is logged.
const outageLogWindow = 30 * time.Second

// New creates a limiter over the given shared store. Pass nil to run purely
// on local buckets (single-instance deployments and tests).
func New(store BucketStore, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:    store,
		fallback: NewLocalStore(),
		logger:   logger,
		now:      time.Now,
	}
}

// Check consumes cost tokens from the (subject, class) bucket for the given
// tier. An unknown class is a programming error and is rejected outright.
func (l *Limiter) Check(ctx context.Context, subject, class, tier string, cost float64) (Decision, error) {
	rule, ok := LookupRule(tier, class)
	if !ok {
		return Decision{}, fmt.Errorf("unknown operation class: %s", class)
	}

	key := bucketKey(subject, class)
	now := l.now()
	rate := rule.RefillRate()

	store := BucketStore(l.fallback)
	if l.store != nil {
		store = l.store
	}

	allowed, tokens, err := store.Take(ctx, key, rule.Capacity, rate, cost, now)
	if err != nil {
		l.logOutage(err)
		allowed, tokens, err = l.fallback.Take(ctx, key, rule.Capacity, rate, cost, now)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit fallback failed: %w", err)
		}
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     rule.Capacity,
		Remaining: int(tokens),
	}
	if !allowed {
		decision.RetryAfter = time.Duration(math.Ceil((cost-tokens)/rate)) * time.Second
	}

	return decision, nil
}

// logOutage records a shared-store failure at most once per window so a
// Redis outage does not flood the logs at request rate.
func (l *Limiter) logOutage(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.outageUntil) {
		return
	}
	l.outageUntil = now.Add(outageLogWindow)
	l.logger.Warn("Rate-limit store unreachable, failing open to local buckets",
		slog.String("error", err.Error()),
	)
}

func bucketKey(subject, class string) string {
	return fmt.Sprintf("ratelimit:%s:%s", subject, class)
}
