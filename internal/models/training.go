package models

import (
	"fmt"
	"time"
)

// Dataset represents an uploaded fine-tuning dataset
type Dataset struct {
	ID           string    `json:"id"` // UUID
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Format       string    `json:"format"` // "jsonl", "csv", "pdf", "text"
	Path         string    `json:"-"`      // location under DataDir, not exposed
	SizeBytes    int64     `json:"size_bytes"`
	ExampleCount int       `json:"example_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Dataset format constants
const (
	DatasetFormatJSONL = "jsonl"
	DatasetFormatCSV   = "csv"
	DatasetFormatPDF   = "pdf"
	DatasetFormatText  = "text"
)

// Hyperparameters control a fine-tuning run
type Hyperparameters struct {
	Epochs       int     `json:"epochs"`        // 1..100, default 3
	LearningRate float64 `json:"learning_rate"` // (0, 1], default 2e-5
	BatchSize    int     `json:"batch_size"`    // 1..1024, default 8
}

// Hyperparameter defaults and bounds
const (
	DefaultEpochs       = 3
	MaxEpochs           = 100
	DefaultLearningRate = 2e-5
	DefaultBatchSize    = 8
	MaxBatchSize        = 1024
)

// Validate checks the bounds, filling in defaults for zero values
func (h *Hyperparameters) Validate() error {
	if h.Epochs == 0 {
		h.Epochs = DefaultEpochs
	}
	if h.LearningRate == 0 {
		h.LearningRate = DefaultLearningRate
	}
	if h.BatchSize == 0 {
		h.BatchSize = DefaultBatchSize
	}

	if h.Epochs < 1 || h.Epochs > MaxEpochs {
		return fmt.Errorf("epochs must be between 1 and %d", MaxEpochs)
	}
	if h.LearningRate <= 0 || h.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0, 1]")
	}
	if h.BatchSize < 1 || h.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d", MaxBatchSize)
	}
	return nil
}

// TrainingJob represents a fine-tuning run
type TrainingJob struct {
	ID          string          `json:"id"` // UUID
	UserID      string          `json:"user_id"`
	DatasetID   string          `json:"dataset_id"`
	BaseModelID string          `json:"base_model_id"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"` // 0.0 - 1.0
	Params      Hyperparameters `json:"hyperparameters"`
	Error       string          `json:"error,omitempty"`
	OutputModel string          `json:"output_model,omitempty"` // model ID registered on success
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Training job status constants
const (
	TrainingStatusQueued    = "queued"
	TrainingStatusRunning   = "running"
	TrainingStatusSucceeded = "succeeded"
	TrainingStatusFailed    = "failed"
	TrainingStatusCancelled = "cancelled"
)

// Terminal reports whether the job has reached a final state.
func (j *TrainingJob) Terminal() bool {
	switch j.Status {
	case TrainingStatusSucceeded, TrainingStatusFailed, TrainingStatusCancelled:
		return true
	}
	return false
}

// CreateTrainingJobRequest is the request body for starting a run
type CreateTrainingJobRequest struct {
	DatasetID   string          `json:"dataset_id"`
	BaseModelID string          `json:"base_model_id"`
	Params      Hyperparameters `json:"hyperparameters"`
}

// TrainingJobListResponse pages through a user's training jobs
type TrainingJobListResponse struct {
	Jobs  []TrainingJob `json:"jobs"`
	Count int           `json:"count"`
}

// TrainingSchedule fires recurring fine-tuning runs on a cron expression
type TrainingSchedule struct {
	ID          string          `json:"id"` // UUID
	UserID      string          `json:"user_id"`
	CronExpr    string          `json:"cron_expr"`
	DatasetID   string          `json:"dataset_id"`
	BaseModelID string          `json:"base_model_id"`
	Params      Hyperparameters `json:"hyperparameters"`
	Enabled     bool            `json:"enabled"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreateTrainingScheduleRequest is the request body for a recurring run
type CreateTrainingScheduleRequest struct {
	CronExpr    string          `json:"cron_expr"`
	DatasetID   string          `json:"dataset_id"`
	BaseModelID string          `json:"base_model_id"`
	Params      Hyperparameters `json:"hyperparameters"`
}
