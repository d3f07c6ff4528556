package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records dispatches and can inject failures per job id.
type fakeBackend struct {
	mu            sync.Mutex
	dispatched    []string
	failWith      map[string]error // job id -> error returned on every attempt
	failOnce      map[string]error // job id -> error returned on first attempt only
	attempts      map[string]int
	cancelled     []string
	dispatchDelay time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failWith: make(map[string]error),
		failOnce: make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeBackend) Dispatch(_ context.Context, req compute.DispatchRequest) (string, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.dispatchDelay > 0 {
		time.Sleep(f.dispatchDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[req.JobID]++

	if err, ok := f.failWith[req.JobID]; ok {
		return "", err
	}
	if err, ok := f.failOnce[req.JobID]; ok {
		delete(f.failOnce, req.JobID)
		return "", err
	}

	f.dispatched = append(f.dispatched, req.JobID)
	return "corr-" + req.JobID, nil
}

func (f *fakeBackend) Cancel(_ context.Context, correlationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, correlationID)
	return true, nil
}

func (f *fakeBackend) PollStatus(context.Context, string) (compute.JobState, error) {
	return compute.JobState{}, errors.New("not implemented")
}

func fastConfig() Config {
	return Config{
		MaxDispatchAttempts: 3,
		BaseRetryDelay:      time.Millisecond,
		BackoffMultiplier:   2,
		DispatchTimeout:     time.Second,
		RateLimitAttempts:   2,
		MaxRateLimitWait:    5 * time.Millisecond,
	}
}

func testBatch(t *testing.T, n int) (*batch.Job, []*batch.Job) {
	t.Helper()
	params := make([]map[string]any, n)
	for i := range params {
		params[i] = map[string]any{"ligand_id": fmt.Sprintf("LIG-%04d", i)}
	}
	return batch.NewBatch("screen", "protein_ligand_binding", "affinity-v2", params)
}

func fastPlan(n, ceiling int) *planner.ExecutionPlan {
	plan := &planner.ExecutionPlan{
		TotalJobs:          n,
		Strategy:           planner.StrategyImmediate,
		ConcurrencyCeiling: ceiling,
		MicroBatchSize:     n,
	}
	return plan
}

func TestSubmit_AllSucceed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	parent, children := testBatch(t, 3)
	result, err := p.Submit(ctx, fastPlan(3, 3), "user-1", ratelimit.TierPremium, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, 0, result.Failed)

	for _, child := range children {
		got, err := store.Get(ctx, child.JobID)
		require.NoError(t, err)
		assert.Equal(t, batch.StatusRunning, got.Status)
		assert.Equal(t, "corr-"+child.JobID, got.CorrelationID)
		require.NotNil(t, got.StartedAt)
	}

	gotParent, err := store.Get(ctx, parent.JobID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRunning, gotParent.Status)
}

func TestSubmit_TransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	parent, children := testBatch(t, 2)
	backend.failOnce[children[0].JobID] = &compute.BackendError{StatusCode: 503, Message: "overloaded"}

	result, err := p.Submit(ctx, fastPlan(2, 2), "user-1", ratelimit.TierPremium, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Submitted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, backend.attempts[children[0].JobID])
}

func TestSubmit_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	// One of four children exhausts its retries; the rest must land RUNNING.
	parent, children := testBatch(t, 4)
	doomed := children[1]
	backend.failWith[doomed.JobID] = &compute.BackendError{StatusCode: 500, Message: "gpu node lost"}

	result, err := p.Submit(ctx, fastPlan(4, 4), "user-1", ratelimit.TierPremium, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.FailedJobIDs, 1)
	assert.Equal(t, doomed.JobID, result.FailedJobIDs[0])
	assert.Equal(t, 3, backend.attempts[doomed.JobID], "retries exhausted before failing")

	got, err := store.Get(ctx, doomed.JobID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "dispatch failed")

	// Siblings are unaffected.
	for _, child := range children {
		if child.JobID == doomed.JobID {
			continue
		}
		got, err := store.Get(ctx, child.JobID)
		require.NoError(t, err)
		assert.Equal(t, batch.StatusRunning, got.Status)
	}
}

func TestSubmit_PermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	parent, children := testBatch(t, 1)
	backend.failWith[children[0].JobID] = &compute.BackendError{StatusCode: 400, Message: "malformed payload"}

	result, err := p.Submit(ctx, fastPlan(1, 1), "user-1", ratelimit.TierPremium, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, backend.attempts[children[0].JobID], "4xx must not be retried")
}

func TestSubmit_ConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	backend.dispatchDelay = 5 * time.Millisecond
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	// A staged plan never exceeds the concurrency ceiling at any instant.
	parent, children := testBatch(t, 120)
	plan := &planner.ExecutionPlan{
		TotalJobs:          120,
		Strategy:           planner.StrategyStaged,
		ConcurrencyCeiling: 10,
		MicroBatchSize:     5,
		UnitDelay:          time.Millisecond,
		StageSize:          25,
		StageDelay:         2 * time.Millisecond,
	}

	result, err := p.Submit(ctx, plan, "ent_user", ratelimit.TierEnterprise, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 120, result.Submitted)
	assert.LessOrEqual(t, backend.maxInFlight.Load(), int64(10))
}

func TestSubmit_RateLimitExhaustionFailsUnit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	// The default tier allows 10 job submissions per hour; a paced plan with
	// unit size 1 burns one token per unit, so units beyond the bucket are
	// failed with a rate-limit error once retries run out.
	parent, children := testBatch(t, 12)
	plan := &planner.ExecutionPlan{
		TotalJobs:          12,
		Strategy:           planner.StrategyPaced,
		ConcurrencyCeiling: 2,
		MicroBatchSize:     1,
		UnitDelay:          0,
	}

	result, err := p.Submit(ctx, plan, "user-1", ratelimit.TierDefault, parent, children)
	require.NoError(t, err)

	assert.Equal(t, 10, result.Submitted)
	assert.Equal(t, 2, result.Failed)

	for _, id := range result.FailedJobIDs {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, batch.StatusFailed, got.Status)
		assert.Contains(t, got.Error, "rate limit exceeded")
	}
}

func TestStart_TaskHandle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	backend := newFakeBackend()
	limiter := ratelimit.New(nil, slog.Default())
	p := New(store, backend, limiter, fastConfig(), slog.Default())

	parent, children := testBatch(t, 3)
	task := p.Start(ctx, fastPlan(3, 3), "user-1", ratelimit.TierPremium, parent, children)

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("submission task did not finish")
	}

	result, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, parent.JobID, task.BatchID)
}
