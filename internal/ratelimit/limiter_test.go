package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore simulates an unreachable shared store.
type failingStore struct {
	calls int
}

func (f *failingStore) Take(context.Context, string, int, float64, float64, time.Time) (bool, float64, error) {
	f.calls++
	return false, 0, errors.New("connection refused")
}

func testLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(nil, slog.Default())
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheck_FreshBucketAllowsExactlyCapacity(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	// A default-tier user gets exactly 60 api-request checks per minute;
	// the 61st is denied with limit=60.
	for i := 0; i < 60; i++ {
		d, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "check %d should be allowed", i+1)
	}

	d, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
	assert.Equal(t, 0, d.Remaining)
	assert.Positive(t, d.RetryAfter)
}

func TestCheck_AllowedAgainAfterRetryAfter(t *testing.T) {
	l, now := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
	}

	denied, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	*now = now.Add(denied.RetryAfter)

	d, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_ContinuousRefill(t *testing.T) {
	l, now := testLimiter(t)
	ctx := context.Background()

	// Drain the default api-request bucket.
	for i := 0; i < 60; i++ {
		_, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
	}

	// 10 seconds refills 10 tokens at 1 token/sec.
	*now = now.Add(10 * time.Second)
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "refilled check %d should be allowed", i+1)
	}

	d, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheck_SubjectsAndClassesIsolated(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := l.Check(ctx, "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
	}

	d, err := l.Check(ctx, "user-2", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other subjects keep their own bucket")

	d, err = l.Check(ctx, "user-1", ClassWebhookCall, TierDefault, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other classes keep their own bucket")
}

func TestCheck_TierTable(t *testing.T) {
	tests := []struct {
		name      string
		tier      string
		class     string
		wantLimit int
	}{
		{name: "default api-request", tier: TierDefault, class: ClassAPIRequest, wantLimit: 60},
		{name: "enterprise batch-submission", tier: TierEnterprise, class: ClassBatchSubmission, wantLimit: 50},
		{name: "premium job-submission", tier: TierPremium, class: ClassJobSubmission, wantLimit: 100},
		{name: "unknown tier falls back to default", tier: "free-trial", class: ClassAPIRequest, wantLimit: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := testLimiter(t)
			d, err := l.Check(context.Background(), "user-1", tt.class, tt.tier, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, tt.wantLimit, d.Limit)
		})
	}
}

func TestCheck_UnknownClassRejected(t *testing.T) {
	l, _ := testLimiter(t)
	_, err := l.Check(context.Background(), "user-1", "mystery-class", TierDefault, 1)
	require.Error(t, err)
}

func TestCheck_FailsOpenWhenStoreDown(t *testing.T) {
	store := &failingStore{}
	l := New(store, slog.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	d, err := l.Check(context.Background(), "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, store.calls)

	// Fallback buckets still enforce limits locally.
	for i := 0; i < 59; i++ {
		_, err := l.Check(context.Background(), "user-1", ClassAPIRequest, TierDefault, 1)
		require.NoError(t, err)
	}
	d, err = l.Check(context.Background(), "user-1", ClassAPIRequest, TierDefault, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLocalStore_BulkCost(t *testing.T) {
	s := NewLocalStore()
	now := time.Now()

	allowed, tokens, err := s.Take(context.Background(), "k", 10, 1, 4, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 6.0, tokens, 0.001)

	allowed, tokens, err = s.Take(context.Background(), "k", 10, 1, 8, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, 6.0, tokens, 0.001)
}
