package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/proteinops/batchflow/internal/batch"
)

// Schema is the jobs table DDL. Applied by Migrate; kept in code so the
// tracker and API services can bootstrap a fresh database without external
// migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	task_type       TEXT NOT NULL,
	model_name      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	params          JSONB,
	output          JSONB,
	error           TEXT NOT NULL DEFAULT '',
	correlation_id  TEXT NOT NULL DEFAULT '',
	parent_id       TEXT,
	batch_index     INTEGER,
	child_ids       JSONB,
	total_children  INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_parent_id ON jobs (parent_id);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_status ON jobs (kind, status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs (user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency
	ON jobs (user_id, idempotency_key) WHERE idempotency_key <> '';
`

const jobColumns = `
	job_id, name, kind, task_type, model_name, status, user_id,
	idempotency_key, params, output, error, correlation_id, parent_id,
	batch_index, child_ids, total_children, created_at, started_at,
	completed_at, updated_at
`

// PostgresStore is the durable Store backed by the shared jobs table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps a connected database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the jobs schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate jobs schema: %w", err)
	}
	return nil
}

type jobRow struct {
	JobID          string         `db:"job_id"`
	Name           string         `db:"name"`
	Kind           string         `db:"kind"`
	TaskType       string         `db:"task_type"`
	ModelName      string         `db:"model_name"`
	Status         string         `db:"status"`
	UserID         string         `db:"user_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	Params         []byte         `db:"params"`
	Output         []byte         `db:"output"`
	Error          string         `db:"error"`
	CorrelationID  string         `db:"correlation_id"`
	ParentID       sql.NullString `db:"parent_id"`
	BatchIndex     sql.NullInt64  `db:"batch_index"`
	ChildIDs       []byte         `db:"child_ids"`
	TotalChildren  int            `db:"total_children"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      *time.Time     `db:"started_at"`
	CompletedAt    *time.Time     `db:"completed_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *jobRow) toJob() (*batch.Job, error) {
	job := &batch.Job{
		JobID:          r.JobID,
		Name:           r.Name,
		Kind:           r.Kind,
		TaskType:       r.TaskType,
		ModelName:      r.ModelName,
		Status:         r.Status,
		UserID:         r.UserID,
		IdempotencyKey: r.IdempotencyKey,
		Error:          r.Error,
		CorrelationID:  r.CorrelationID,
		TotalChildren:  r.TotalChildren,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ParentID.Valid {
		job.ParentID = r.ParentID.String
	}
	if r.BatchIndex.Valid {
		job.BatchIndex = int(r.BatchIndex.Int64)
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode job params: %w", err)
		}
	}
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &job.Output); err != nil {
			return nil, fmt.Errorf("failed to decode job output: %w", err)
		}
	}
	if len(r.ChildIDs) > 0 {
		if err := json.Unmarshal(r.ChildIDs, &job.ChildIDs); err != nil {
			return nil, fmt.Errorf("failed to decode child ids: %w", err)
		}
	}
	return job, nil
}

func marshalOrNil(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) Put(ctx context.Context, job *batch.Job) error {
	params, err := marshalOrNil(job.Params)
	if err != nil {
		return fmt.Errorf("failed to encode job params: %w", err)
	}
	output, err := marshalOrNil(job.Output)
	if err != nil {
		return fmt.Errorf("failed to encode job output: %w", err)
	}
	var childIDs []byte
	if job.ChildIDs != nil {
		childIDs, err = json.Marshal(job.ChildIDs)
		if err != nil {
			return fmt.Errorf("failed to encode child ids: %w", err)
		}
	}

	var parentID sql.NullString
	if job.ParentID != "" {
		parentID = sql.NullString{String: job.ParentID, Valid: true}
	}
	var batchIndex sql.NullInt64
	if job.Kind == batch.KindBatchChild {
		batchIndex = sql.NullInt64{Int64: int64(job.BatchIndex), Valid: true}
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.JobID, job.Name, job.Kind, job.TaskType, job.ModelName,
		job.Status, job.UserID, job.IdempotencyKey, params, output,
		job.Error, job.CorrelationID, parentID, batchIndex, childIDs,
		job.TotalChildren, job.CreatedAt, job.StartedAt, job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &batch.NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *PostgresStore) Children(ctx context.Context, parentID string) ([]*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE parent_id = $1 ORDER BY batch_index ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, kind, status string) ([]*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE kind = $1 AND status = $2 ORDER BY created_at ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, kind, status); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]*batch.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE kind <> $1`
	args := []interface{}{batch.KindBatchChild}
	argIdx := 2

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination.
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra so the caller can tell whether more pages exist.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return rowsToJobs(rows)
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*batch.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE user_id = $1 AND idempotency_key = $2 AND kind <> $3
	`

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, userID, key, batch.KindBatchChild)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &batch.NotFoundError{JobID: key}
		}
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return row.toJob()
}

// UpdateStatus is a compare-and-set: the row only updates when its current
// status is a legal source for the transition, so a concurrent terminal
// write cannot be overwritten.
func (s *PostgresStore) UpdateStatus(ctx context.Context, jobID, newStatus string, patch StatusPatch) (*batch.Job, error) {
	sources := batch.LegalSources(newStatus)
	if len(sources) == 0 {
		return nil, &batch.ConflictError{JobID: jobID, To: newStatus}
	}

	output, err := marshalOrNil(patch.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output patch: %w", err)
	}

	query := `
		UPDATE jobs SET
			status = $1,
			output = COALESCE($2, output),
			error = CASE WHEN $3 <> '' THEN $3 ELSE error END,
			correlation_id = CASE WHEN $4 <> '' THEN $4 ELSE correlation_id END,
			started_at = COALESCE($5, started_at),
			completed_at = COALESCE($6, completed_at),
			updated_at = NOW()
		WHERE job_id = $7 AND status = ANY($8)
		RETURNING ` + jobColumns

	var row jobRow
	err = s.db.GetContext(ctx, &row, query,
		newStatus, output, patch.Error, patch.CorrelationID,
		patch.StartedAt, patch.CompletedAt, jobID, pq.Array(sources),
	)
	if err == nil {
		return row.toJob()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	// No row matched: distinguish an unknown id from a lost CAS race.
	current, getErr := s.Get(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &batch.ConflictError{JobID: jobID, From: current.Status, To: newStatus}
}

func rowsToJobs(rows []jobRow) ([]*batch.Job, error) {
	jobs := make([]*batch.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
