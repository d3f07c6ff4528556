package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
)

// MemoryStore is a mutex-guarded in-process Store used by tests and
// single-process deployments without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*batch.Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*batch.Job)}
}

func (s *MemoryStore) Put(_ context.Context, job *batch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.JobID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*batch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &batch.NotFoundError{JobID: jobID}
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) Children(_ context.Context, parentID string) ([]*batch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []*batch.Job
	for _, job := range s.jobs {
		if job.Kind == batch.KindBatchChild && job.ParentID == parentID {
			copied := *job
			children = append(children, &copied)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].BatchIndex < children[j].BatchIndex
	})
	return children, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, kind, status string) ([]*batch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*batch.Job
	for _, job := range s.jobs {
		if job.Kind == kind && job.Status == status {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, filter BatchFilter) ([]*batch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*batch.Job
	for _, job := range s.jobs {
		if job.Kind == batch.KindBatchChild {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}

	// Newest first, job id as tiebreaker, matching the Postgres ordering.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID > out[j].JobID
	})

	if filter.Cursor != nil {
		idx := 0
		for idx < len(out) {
			job := out[idx]
			if job.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.JobID < filter.Cursor.JobID) {
				break
			}
			idx++
		}
		out = out[idx:]
	}

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, userID, key string) (*batch.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.UserID == userID && job.IdempotencyKey == key && job.Kind != batch.KindBatchChild {
			copied := *job
			return &copied, nil
		}
	}
	return nil, &batch.NotFoundError{JobID: key}
}

func (s *MemoryStore) UpdateStatus(_ context.Context, jobID, newStatus string, patch StatusPatch) (*batch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, &batch.NotFoundError{JobID: jobID}
	}
	if !batch.CanTransition(job.Status, newStatus) {
		return nil, &batch.ConflictError{JobID: jobID, From: job.Status, To: newStatus}
	}

	job.Status = newStatus
	job.UpdatedAt = time.Now()
	applyPatch(job, patch)

	copied := *job
	return &copied, nil
}

func applyPatch(job *batch.Job, patch StatusPatch) {
	if patch.Output != nil {
		job.Output = patch.Output
	}
	if patch.Error != "" {
		job.Error = patch.Error
	}
	if patch.CorrelationID != "" {
		job.CorrelationID = patch.CorrelationID
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
}
