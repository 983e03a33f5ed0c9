package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"karen/internal/database"
	"karen/internal/models"
	"karen/internal/utils"
)

// Training sentinels
var (
	ErrDatasetNotFound     = errors.New("dataset not found")
	ErrDatasetInUse        = errors.New("dataset is referenced by an active training job")
	ErrTrainingJobNotFound = errors.New("training job not found")
	ErrJobNotCancellable   = errors.New("training job already finished")
	ErrScheduleNotFound    = errors.New("training schedule not found")
)

const (
	maxDatasetSize = 50 * 1024 * 1024 // 50MB upload cap

	datasetsSubdir = "datasets"
)

// TrainingService manages fine-tuning datasets, runs and schedules.
// Runs execute on background workers that simulate epoch progress and
// can be cancelled individually or drained at shutdown.
type TrainingService struct {
	db      *database.DB
	dataDir string
	usage   UsageRecorder // may be nil

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	draining bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	// epochDuration is how long one simulated epoch takes
	epochDuration time.Duration
}

// NewTrainingService creates a new training service.
// Dataset files are stored under dataDir/datasets.
func NewTrainingService(db *database.DB, dataDir string) (*TrainingService, error) {
	dir := filepath.Join(dataDir, datasetsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TrainingService{
		db:            db,
		dataDir:       dir,
		active:        make(map[string]context.CancelFunc),
		baseCtx:       ctx,
		cancel:        cancel,
		epochDuration: 3 * time.Second,
	}, nil
}

// SetUsageRecorder wires usage event recording for finished runs
func (s *TrainingService) SetUsageRecorder(usage UsageRecorder) {
	s.usage = usage
}

// --- Datasets ---

// SaveDataset validates and stores an uploaded dataset file
func (s *TrainingService) SaveDataset(ctx context.Context, userID, name, filename string, data []byte) (*models.Dataset, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("dataset file is empty")
	}
	if len(data) > maxDatasetSize {
		return nil, fmt.Errorf("dataset exceeds the %dMB limit", maxDatasetSize/(1024*1024))
	}

	format, err := datasetFormat(filename)
	if err != nil {
		return nil, err
	}

	exampleCount, err := countExamples(format, data)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	id := uuid.New().String()
	path := filepath.Join(s.dataDir, id+filepath.Ext(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to store dataset: %w", err)
	}

	dataset := &models.Dataset{
		ID:           id,
		UserID:       userID,
		Name:         name,
		Format:       format,
		Path:         path,
		SizeBytes:    int64(len(data)),
		ExampleCount: exampleCount,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO datasets (id, user_id, name, format, path, size_bytes, example_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dataset.ID, dataset.UserID, dataset.Name, dataset.Format, dataset.Path,
		dataset.SizeBytes, dataset.ExampleCount, dataset.CreatedAt)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to save dataset: %w", err)
	}

	log.Printf("📚 [TRAINING] Dataset %s stored (%s, %d examples, %d bytes)", dataset.Name, format, exampleCount, dataset.SizeBytes)
	return dataset, nil
}

// datasetFormat maps a filename extension to a dataset format
func datasetFormat(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jsonl":
		return models.DatasetFormatJSONL, nil
	case ".csv":
		return models.DatasetFormatCSV, nil
	case ".pdf":
		return models.DatasetFormatPDF, nil
	case ".txt", ".md":
		return models.DatasetFormatText, nil
	default:
		return "", fmt.Errorf("unsupported dataset type %q (expected .jsonl, .csv, .pdf, .txt or .md)", filepath.Ext(filename))
	}
}

// countExamples validates the payload and counts its training examples.
// JSONL counts valid lines, CSV counts data rows, text counts non-empty
// lines and PDF counts pages.
func countExamples(format string, data []byte) (int, error) {
	switch format {
	case models.DatasetFormatJSONL:
		count := 0
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !json.Valid([]byte(line)) {
				return 0, fmt.Errorf("invalid JSON on line %d", i+1)
			}
			count++
		}
		if count == 0 {
			return 0, fmt.Errorf("dataset has no examples")
		}
		return count, nil

	case models.DatasetFormatCSV:
		records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		if err != nil {
			return 0, fmt.Errorf("invalid CSV: %w", err)
		}
		if len(records) < 2 {
			return 0, fmt.Errorf("CSV needs a header row and at least one data row")
		}
		return len(records) - 1, nil

	case models.DatasetFormatPDF:
		extract, err := utils.ExtractPDFText(data)
		if err != nil {
			return 0, err
		}
		// Pages with trainable text count as examples, not raw page count
		count := extract.ExampleCount()
		if count == 0 {
			return 0, fmt.Errorf("PDF contains no extractable text")
		}
		return count, nil

	case models.DatasetFormatText:
		count := 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				count++
			}
		}
		if count == 0 {
			return 0, fmt.Errorf("dataset has no examples")
		}
		return count, nil
	}
	return 0, fmt.Errorf("unknown dataset format %q", format)
}

// ListDatasets returns the user's datasets, newest first
func (s *TrainingService) ListDatasets(ctx context.Context, userID string) ([]models.Dataset, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, name, format, path, size_bytes, example_count, created_at
		 FROM datasets WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	var datasets []models.Dataset
	for rows.Next() {
		var d models.Dataset
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Format, &d.Path, &d.SizeBytes, &d.ExampleCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	return datasets, rows.Err()
}

// GetDataset returns one dataset owned by the user
func (s *TrainingService) GetDataset(ctx context.Context, userID, id string) (*models.Dataset, error) {
	var d models.Dataset
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, name, format, path, size_bytes, example_count, created_at
		 FROM datasets WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&d.ID, &d.UserID, &d.Name, &d.Format, &d.Path, &d.SizeBytes, &d.ExampleCount, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	return &d, nil
}

// DeleteDataset removes a dataset and its file.
// Refused while a queued or running job references it.
func (s *TrainingService) DeleteDataset(ctx context.Context, userID, id string) error {
	dataset, err := s.GetDataset(ctx, userID, id)
	if err != nil {
		return err
	}

	var activeJobs int
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM training_jobs WHERE dataset_id = ? AND status IN (?, ?)`,
		id, models.TrainingStatusQueued, models.TrainingStatusRunning).Scan(&activeJobs)
	if err != nil {
		return fmt.Errorf("failed to check dataset usage: %w", err)
	}
	if activeJobs > 0 {
		return ErrDatasetInUse
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM datasets WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if err := os.Remove(dataset.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️ [TRAINING] Failed to remove dataset file %s: %v", dataset.Path, err)
	}
	return nil
}

// --- Jobs ---

// CreateJob queues a fine-tuning run and starts its worker
func (s *TrainingService) CreateJob(ctx context.Context, userID string, req *models.CreateTrainingJobRequest) (*models.TrainingJob, error) {
	if req.DatasetID == "" {
		return nil, fmt.Errorf("dataset_id is required")
	}
	if req.BaseModelID == "" {
		return nil, fmt.Errorf("base_model_id is required")
	}
	params := req.Params
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.GetDataset(ctx, userID, req.DatasetID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, fmt.Errorf("server is shutting down, not accepting new training jobs")
	}
	s.mu.Unlock()

	job := &models.TrainingJob{
		ID:          uuid.New().String(),
		UserID:      userID,
		DatasetID:   req.DatasetID,
		BaseModelID: req.BaseModelID,
		Status:      models.TrainingStatusQueued,
		Params:      params,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO training_jobs (id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.DatasetID, job.BaseModelID, job.Status,
		params.Epochs, params.LearningRate, params.BatchSize, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create training job: %w", err)
	}

	s.startWorker(job)
	log.Printf("🏋️ [TRAINING] Job %s queued (%s on %s, %d epochs)", job.ID, job.DatasetID, job.BaseModelID, params.Epochs)
	return job, nil
}

// startWorker launches the simulated fine-tuning run
func (s *TrainingService) startWorker(job *models.TrainingJob) {
	jobCtx, cancelJob := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	s.active[job.ID] = cancelJob
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, job.ID)
			s.mu.Unlock()
			cancelJob()
		}()
		s.run(jobCtx, job)
	}()
}

// run walks the job through its epochs, honoring cancellation.
// Database writes use a background context so terminal states are
// recorded even during shutdown.
func (s *TrainingService) run(jobCtx context.Context, job *models.TrainingJob) {
	dbCtx := context.Background()
	started := time.Now().UTC()

	_, err := s.db.Exec(dbCtx,
		`UPDATE training_jobs SET status = ?, started_at = ? WHERE id = ?`,
		models.TrainingStatusRunning, started, job.ID)
	if err != nil {
		log.Printf("⚠️ [TRAINING] Failed to mark job %s running: %v", job.ID, err)
		return
	}

	epochs := job.Params.Epochs
	for epoch := 1; epoch <= epochs; epoch++ {
		select {
		case <-jobCtx.Done():
			s.finishJob(dbCtx, job, models.TrainingStatusCancelled, "", "", started)
			log.Printf("🛑 [TRAINING] Job %s cancelled at epoch %d/%d", job.ID, epoch, epochs)
			return
		case <-time.After(s.epochDuration):
		}

		progress := float64(epoch) / float64(epochs)
		if _, err := s.db.Exec(dbCtx,
			`UPDATE training_jobs SET progress = ? WHERE id = ?`, progress, job.ID); err != nil {
			log.Printf("⚠️ [TRAINING] Failed to update progress for %s: %v", job.ID, err)
		}
	}

	outputModel := fmt.Sprintf("%s-ft-%s", job.BaseModelID, job.ID[:8])
	s.finishJob(dbCtx, job, models.TrainingStatusSucceeded, "", outputModel, started)
	log.Printf("✅ [TRAINING] Job %s finished, produced %s", job.ID, outputModel)
}

// finishJob writes the terminal state and emits a usage event
func (s *TrainingService) finishJob(ctx context.Context, job *models.TrainingJob, status, errMsg, outputModel string, started time.Time) {
	finished := time.Now().UTC()
	progress := 1.0
	if status != models.TrainingStatusSucceeded {
		// keep last written progress
		progress = -1
	}

	var err error
	if progress >= 0 {
		_, err = s.db.Exec(ctx,
			`UPDATE training_jobs SET status = ?, progress = ?, error = ?, output_model = ?, finished_at = ? WHERE id = ?`,
			status, progress, nullIfEmpty(errMsg), nullIfEmpty(outputModel), finished, job.ID)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE training_jobs SET status = ?, error = ?, output_model = ?, finished_at = ? WHERE id = ?`,
			status, nullIfEmpty(errMsg), nullIfEmpty(outputModel), finished, job.ID)
	}
	if err != nil {
		log.Printf("⚠️ [TRAINING] Failed to finish job %s: %v", job.ID, err)
	}

	if s.usage != nil {
		s.usage.Record(ctx, &models.UsageEvent{
			UserID:    job.UserID,
			Kind:      models.UsageKindTraining,
			ModelID:   job.BaseModelID,
			LatencyMS: finished.Sub(started).Milliseconds(),
			Success:   status == models.TrainingStatusSucceeded,
			CreatedAt: finished,
		})
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetJob returns one job owned by the user
func (s *TrainingService) GetJob(ctx context.Context, userID, id string) (*models.TrainingJob, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, error, output_model, created_at, started_at, finished_at
		 FROM training_jobs WHERE id = ? AND user_id = ?`, id, userID)
	job, err := scanTrainingJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrainingJobNotFound
	}
	return job, err
}

// ListJobs returns the user's jobs, newest first
func (s *TrainingService) ListJobs(ctx context.Context, userID string, limit int) ([]models.TrainingJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, error, output_model, created_at, started_at, finished_at
		 FROM training_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.TrainingJob
	for rows.Next() {
		job, err := scanTrainingJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CancelJob stops a queued or running job
func (s *TrainingService) CancelJob(ctx context.Context, userID, id string) (*models.TrainingJob, error) {
	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, ErrJobNotCancellable
	}

	s.mu.Lock()
	cancelJob, running := s.active[id]
	s.mu.Unlock()

	if running {
		cancelJob()
		// the worker writes the cancelled state; wait briefly for it
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			job, err = s.GetJob(ctx, userID, id)
			if err != nil {
				return nil, err
			}
			if job.Terminal() {
				return job, nil
			}
			time.Sleep(20 * time.Millisecond)
		}
		return job, nil
	}

	// no worker (left over from a previous process), finalize directly
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx,
		`UPDATE training_jobs SET status = ?, finished_at = ? WHERE id = ?`,
		models.TrainingStatusCancelled, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.GetJob(ctx, userID, id)
}

// RecoverJobs resolves jobs left behind by a previous process:
// running jobs are failed, queued jobs get fresh workers.
func (s *TrainingService) RecoverJobs(ctx context.Context) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(ctx,
		`UPDATE training_jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		models.TrainingStatusFailed, "interrupted by server restart", now, models.TrainingStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("⚠️ [TRAINING] Failed %d jobs interrupted by restart", n)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, error, output_model, created_at, started_at, finished_at
		 FROM training_jobs WHERE status = ?`, models.TrainingStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to load queued jobs: %w", err)
	}
	defer rows.Close()

	requeued := 0
	for rows.Next() {
		job, err := scanTrainingJob(rows)
		if err != nil {
			return err
		}
		s.startWorker(job)
		requeued++
	}
	if requeued > 0 {
		log.Printf("🔄 [TRAINING] Requeued %d jobs from a previous run", requeued)
	}
	return rows.Err()
}

// ActiveJobs reports how many workers are currently attached
func (s *TrainingService) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels all running jobs and waits for their workers to
// record terminal states, up to the context deadline.
func (s *TrainingService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for _, cancelJob := range s.active {
		cancelJob()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("training workers did not drain: %w", ctx.Err())
	}
}

// --- Schedules ---

// cronParser accepts standard 5-field cron expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CreateSchedule registers a recurring fine-tuning run
func (s *TrainingService) CreateSchedule(ctx context.Context, userID string, req *models.CreateTrainingScheduleRequest) (*models.TrainingSchedule, error) {
	schedule, err := cronParser.Parse(req.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	params := req.Params
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetDataset(ctx, userID, req.DatasetID); err != nil {
		return nil, err
	}
	if req.BaseModelID == "" {
		return nil, fmt.Errorf("base_model_id is required")
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	entry := &models.TrainingSchedule{
		ID:          uuid.New().String(),
		UserID:      userID,
		CronExpr:    req.CronExpr,
		DatasetID:   req.DatasetID,
		BaseModelID: req.BaseModelID,
		Params:      params,
		Enabled:     true,
		NextRunAt:   &next,
		CreatedAt:   now,
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO training_schedules (id, user_id, cron_expr, dataset_id, base_model_id, epochs, learning_rate, batch_size, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?)`,
		entry.ID, entry.UserID, entry.CronExpr, entry.DatasetID, entry.BaseModelID,
		params.Epochs, params.LearningRate, params.BatchSize, next, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	log.Printf("⏰ [TRAINING] Schedule %s created (%s), next run %s", entry.ID, entry.CronExpr, next.Format(time.RFC3339))
	return entry, nil
}

// ListSchedules returns the user's schedules
func (s *TrainingService) ListSchedules(ctx context.Context, userID string) ([]models.TrainingSchedule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, cron_expr, dataset_id, base_model_id, epochs, learning_rate, batch_size, enabled, next_run_at, created_at
		 FROM training_schedules WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.TrainingSchedule
	for rows.Next() {
		entry, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *entry)
	}
	return schedules, rows.Err()
}

// SetScheduleEnabled pauses or resumes a schedule
func (s *TrainingService) SetScheduleEnabled(ctx context.Context, userID, id string, enabled bool) error {
	result, err := s.db.Exec(ctx,
		`UPDATE training_schedules SET enabled = ? WHERE id = ? AND user_id = ?`, enabled, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule
func (s *TrainingService) DeleteSchedule(ctx context.Context, userID, id string) error {
	result, err := s.db.Exec(ctx, `DELETE FROM training_schedules WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// CountsForUser returns how many datasets, jobs and schedules the user owns
func (s *TrainingService) CountsForUser(ctx context.Context, userID string) (datasets, jobs, schedules int64, err error) {
	if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM datasets WHERE user_id = ?`, userID).Scan(&datasets); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count datasets: %w", err)
	}
	if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM training_jobs WHERE user_id = ?`, userID).Scan(&jobs); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count training jobs: %w", err)
	}
	if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM training_schedules WHERE user_id = ?`, userID).Scan(&schedules); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count schedules: %w", err)
	}
	return datasets, jobs, schedules, nil
}

// PurgeUser cancels the user's running jobs and deletes their datasets,
// jobs and schedules. Dataset files are removed best-effort.
func (s *TrainingService) PurgeUser(ctx context.Context, userID string) error {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM training_jobs WHERE user_id = ? AND status IN (?, ?)`,
		userID, models.TrainingStatusQueued, models.TrainingStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to query active jobs: %w", err)
	}
	var activeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		activeIDs = append(activeIDs, id)
	}
	rows.Close()

	s.mu.Lock()
	for _, id := range activeIDs {
		if cancelJob, ok := s.active[id]; ok {
			cancelJob()
		}
	}
	s.mu.Unlock()

	datasets, err := s.ListDatasets(ctx, userID)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM training_schedules WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete schedules: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM training_jobs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete training jobs: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM datasets WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete datasets: %w", err)
	}

	for _, d := range datasets {
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("⚠️ [TRAINING] Failed to remove dataset file %s: %v", d.Path, err)
		}
	}

	log.Printf("🧹 [TRAINING] Purged training data for user %s (%d datasets, %d active jobs cancelled)",
		userID, len(datasets), len(activeIDs))
	return nil
}

// DueSchedules returns enabled schedules whose next run is at or before now
func (s *TrainingService) DueSchedules(ctx context.Context, now time.Time) ([]models.TrainingSchedule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, cron_expr, dataset_id, base_model_id, epochs, learning_rate, batch_size, enabled, next_run_at, created_at
		 FROM training_schedules WHERE enabled = TRUE AND next_run_at IS NOT NULL AND next_run_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var due []models.TrainingSchedule
	for rows.Next() {
		entry, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *entry)
	}
	return due, rows.Err()
}

// FireSchedule starts the scheduled run and advances next_run_at.
// A missing dataset disables the schedule instead of erroring forever.
func (s *TrainingService) FireSchedule(ctx context.Context, entry *models.TrainingSchedule) error {
	schedule, err := cronParser.Parse(entry.CronExpr)
	if err != nil {
		return fmt.Errorf("schedule %s has an invalid cron expression: %w", entry.ID, err)
	}
	next := schedule.Next(time.Now().UTC())
	if _, err := s.db.Exec(ctx,
		`UPDATE training_schedules SET next_run_at = ? WHERE id = ?`, next, entry.ID); err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}

	_, err = s.CreateJob(ctx, entry.UserID, &models.CreateTrainingJobRequest{
		DatasetID:   entry.DatasetID,
		BaseModelID: entry.BaseModelID,
		Params:      entry.Params,
	})
	if errors.Is(err, ErrDatasetNotFound) {
		log.Printf("⚠️ [TRAINING] Schedule %s references a deleted dataset, disabling", entry.ID)
		_, uerr := s.db.Exec(ctx, `UPDATE training_schedules SET enabled = FALSE WHERE id = ?`, entry.ID)
		if uerr != nil {
			return uerr
		}
		return err
	}
	if err != nil {
		return err
	}

	log.Printf("⏰ [TRAINING] Schedule %s fired, next run %s", entry.ID, next.Format(time.RFC3339))
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrainingJobFields(sc rowScanner) (*models.TrainingJob, error) {
	var job models.TrainingJob
	var errMsg, outputModel sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := sc.Scan(&job.ID, &job.UserID, &job.DatasetID, &job.BaseModelID, &job.Status, &job.Progress,
		&job.Params.Epochs, &job.Params.LearningRate, &job.Params.BatchSize,
		&errMsg, &outputModel, &job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	job.Error = errMsg.String
	job.OutputModel = outputModel.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func scanTrainingJob(rows *sql.Rows) (*models.TrainingJob, error) {
	job, err := scanTrainingJobFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan training job: %w", err)
	}
	return job, nil
}

func scanTrainingJobRow(row *sql.Row) (*models.TrainingJob, error) {
	return scanTrainingJobFields(row)
}

func scanSchedule(rows *sql.Rows) (*models.TrainingSchedule, error) {
	var entry models.TrainingSchedule
	var nextRun sql.NullTime

	err := rows.Scan(&entry.ID, &entry.UserID, &entry.CronExpr, &entry.DatasetID, &entry.BaseModelID,
		&entry.Params.Epochs, &entry.Params.LearningRate, &entry.Params.BatchSize,
		&entry.Enabled, &nextRun, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if nextRun.Valid {
		entry.NextRunAt = &nextRun.Time
	}
	return &entry, nil
}
