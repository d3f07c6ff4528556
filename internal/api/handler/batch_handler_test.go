package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/proteinops/batchflow/internal/api/dto"
	"github.com/proteinops/batchflow/internal/api/handler"
	"github.com/proteinops/batchflow/internal/api/router"
	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/events"
	"github.com/proteinops/batchflow/internal/pacer"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
	"github.com/proteinops/batchflow/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu        sync.Mutex
	cancelled []string
}

func (s *stubBackend) Dispatch(_ context.Context, req compute.DispatchRequest) (string, error) {
	return "corr-" + req.JobID, nil
}

func (s *stubBackend) Cancel(_ context.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, correlationID)
	return true, nil
}

func (s *stubBackend) PollStatus(context.Context, string) (compute.JobState, error) {
	return compute.JobState{}, fmt.Errorf("not implemented")
}

type apiFixture struct {
	engine *gin.Engine
	store  *storage.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.Default()
	store := storage.NewMemoryStore()
	backend := &stubBackend{}
	limiter := ratelimit.New(nil, logger)

	pacerCfg := pacer.Config{
		MaxDispatchAttempts: 2,
		BaseRetryDelay:      time.Millisecond,
		BackoffMultiplier:   2,
		DispatchTimeout:     time.Second,
		RateLimitAttempts:   2,
		MaxRateLimitWait:    5 * time.Millisecond,
	}

	deps := &handler.Dependencies{
		Logger:  logger,
		Store:   store,
		Planner: planner.New(planner.DefaultConfig(), logger),
		Pacer:   pacer.New(store, backend, limiter, pacerCfg, logger),
		Tracker: tracker.New(store, backend, events.NewHub(), tracker.DefaultConfig(), logger),
		Limiter: limiter,
	}

	return &apiFixture{
		engine: router.SetupRouter(deps),
		store:  store,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func createRequest(n int) dto.CreateBatchRequest {
	ligands := make([]dto.LigandDTO, n)
	for i := range ligands {
		ligands[i] = dto.LigandDTO{ID: fmt.Sprintf("LIG-%04d", i), SMILES: "CCO"}
	}
	return dto.CreateBatchRequest{
		UserID:          "user-1",
		Name:            "kinase screen",
		ProteinSequence: "MKTAYIAKQRQISFVKSHFSRQL",
		Ligands:         ligands,
	}
}

// waitForBatch blocks until the async submission has persisted and
// dispatched every child.
func (f *apiFixture) waitForBatch(t *testing.T, batchID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		children, err := f.store.Children(context.Background(), batchID)
		if err != nil || len(children) != n {
			return false
		}
		for _, child := range children {
			if child.Status != batch.StatusRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreateBatch_Accepted(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(3), map[string]string{
		"X-User-ID":   "user-1",
		"X-User-Tier": ratelimit.TierPremium,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 3, resp.TotalJobs)
	assert.Equal(t, planner.StrategyImmediate, resp.Strategy)

	f.waitForBatch(t, resp.BatchID, 3)

	parent, err := f.store.Get(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusRunning, parent.Status)
	assert.Equal(t, "user-1", parent.UserID)
}

func TestCreateBatch_ValidationFailure(t *testing.T) {
	f := newAPIFixture(t)

	req := createRequest(3)
	req.ProteinSequence = "SHORT"

	rec := f.do(t, http.MethodPost, "/api/v1/batches", req, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "protein_sequence", resp["field"])
}

func TestCreateBatch_IdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t)

	req := createRequest(2)
	req.IdempotencyKey = "key-123"

	first := f.do(t, http.MethodPost, "/api/v1/batches", req, nil)
	require.Equal(t, http.StatusAccepted, first.Code)

	var created dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	f.waitForBatch(t, created.BatchID, 2)

	second := f.do(t, http.MethodPost, "/api/v1/batches", req, nil)
	require.Equal(t, http.StatusOK, second.Code, "replay returns the original batch")

	var replayed dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &replayed))
	assert.Equal(t, created.BatchID, replayed.BatchID)
	assert.Equal(t, 2, replayed.TotalJobs)
}

func TestCreateBatch_SubmissionRateLimited(t *testing.T) {
	f := newAPIFixture(t)

	// The default tier allows two batch submissions per day.
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(1), nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(1), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGetBatch(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(2), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitForBatch(t, created.BatchID, 2)

	got := f.do(t, http.MethodGet, "/api/v1/batches/"+created.BatchID, nil, nil)
	require.Equal(t, http.StatusOK, got.Code)

	var b dto.BatchDTO
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &b))
	assert.Equal(t, created.BatchID, b.BatchID)
	assert.Equal(t, batch.KindBatchParent, b.Kind)
	assert.Equal(t, 2, b.TotalChildren)
}

func TestGetBatch_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/batches/a2b41b05-9fb8-4e9a-a0f5-7d2ae4f0e6aa", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_InvalidID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBatchProgress(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(4), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitForBatch(t, created.BatchID, 4)

	got := f.do(t, http.MethodGet, "/api/v1/batches/"+created.BatchID+"/progress", nil, nil)
	require.Equal(t, http.StatusOK, got.Code)

	var progress dto.ProgressDTO
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &progress))
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 4, progress.Running)
	assert.Equal(t, 0.0, progress.Percent)
}

func TestCancelBatch(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batches", createRequest(3), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created dto.CreateBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	f.waitForBatch(t, created.BatchID, 3)

	got := f.do(t, http.MethodPost, "/api/v1/batches/"+created.BatchID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, got.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &resp))
	assert.Equal(t, batch.StatusCancelled, resp["status"])
}

func TestListBatches_Pagination(t *testing.T) {
	f := newAPIFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		req := createRequest(1)
		req.UserID = "lister"
		req.Name = fmt.Sprintf("screen-%d", i)
		rec := f.do(t, http.MethodPost, "/api/v1/batches", req, map[string]string{
			"X-User-Tier": ratelimit.TierPremium,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var created dto.CreateBatchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		f.waitForBatch(t, created.BatchID, 1)
		ids = append(ids, created.BatchID)
	}

	first := f.do(t, http.MethodGet, "/api/v1/batches?user_id=lister&page_size=2", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)

	var page1 dto.ListBatchesResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &page1))
	require.Len(t, page1.Batches, 2)
	require.NotEmpty(t, page1.NextCursor)

	second := f.do(t, http.MethodGet, "/api/v1/batches?user_id=lister&page_size=2&cursor="+url.QueryEscape(page1.NextCursor), nil, nil)
	require.Equal(t, http.StatusOK, second.Code)

	var page2 dto.ListBatchesResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &page2))
	require.Len(t, page2.Batches, 1)
	assert.Empty(t, page2.NextCursor)

	seen := map[string]bool{}
	for _, b := range append(page1.Batches, page2.Batches...) {
		seen[b.BatchID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "batch %s missing from pages", id)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/batches", nil, map[string]string{
		"X-User-ID": "header-check",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}
