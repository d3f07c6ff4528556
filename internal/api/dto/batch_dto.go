package dto

import "time"

type LigandDTO struct {
	ID     string `json:"id" binding:"required"`
	SMILES string `json:"smiles"`
}

type CreateBatchRequest struct {
	IdempotencyKey  string      `json:"idempotency_key"`
	UserID          string      `json:"user_id" binding:"required"`
	Name            string      `json:"name" binding:"required"`
	TaskType        string      `json:"task_type"`
	ModelName       string      `json:"model_name"`
	ProteinSequence string      `json:"protein_sequence" binding:"required"`
	Ligands         []LigandDTO `json:"ligands" binding:"required"`
}

type CreateBatchResponse struct {
	BatchID           string   `json:"batch_id"`
	Status            string   `json:"status"`
	TotalJobs         int      `json:"total_jobs"`
	Strategy          string   `json:"strategy"`
	EstimatedDuration string   `json:"estimated_duration"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

type ListBatchesRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListBatchesResponse struct {
	Batches    []BatchDTO `json:"batches"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type BatchDTO struct {
	BatchID       string `json:"batch_id"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	TaskType      string `json:"task_type"`
	ModelName     string `json:"model_name"`
	Status        string `json:"status"`
	UserID        string `json:"user_id"`
	TotalChildren int    `json:"total_children,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type ProgressDTO struct {
	BatchID     string  `json:"batch_id"`
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	Percent     float64 `json:"percent"`
	SuccessRate float64 `json:"success_rate"`
	Health      string  `json:"health"`
	ETASeconds  float64 `json:"eta_seconds,omitempty"`
	ComputedAt  string  `json:"computed_at"`
}

type JobDTO struct {
	JobID       string         `json:"job_id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	TaskType    string         `json:"task_type"`
	ModelName   string         `json:"model_name"`
	Status      string         `json:"status"`
	ParentID    string         `json:"parent_id,omitempty"`
	BatchIndex  int            `json:"batch_index"`
	Params      map[string]any `json:"params,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   string         `json:"updated_at"`
}
