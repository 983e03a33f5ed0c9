package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"karen/internal/database"
	"karen/internal/models"
)

func newTestTrainingService(t *testing.T) (*TrainingService, *database.DB) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	svc, err := NewTrainingService(db, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create training service: %v", err)
	}
	svc.epochDuration = 5 * time.Millisecond

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		db.Close()
	})

	return svc, db
}

func uploadTestDataset(t *testing.T, svc *TrainingService, userID string) *models.Dataset {
	t.Helper()
	data := []byte(`{"prompt": "a", "completion": "b"}` + "\n" + `{"prompt": "c", "completion": "d"}` + "\n")
	dataset, err := svc.SaveDataset(context.Background(), userID, "pairs", "pairs.jsonl", data)
	if err != nil {
		t.Fatalf("SaveDataset failed: %v", err)
	}
	return dataset
}

func waitForJobStatus(t *testing.T, svc *TrainingService, userID, jobID, want string) *models.TrainingJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(context.Background(), userID, jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Terminal() && job.Status != want {
			t.Fatalf("job reached %s (error %q), want %s", job.Status, job.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached status %s", want)
	return nil
}

func TestDatasetFormats(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		filename  string
		data      string
		wantCount int
		wantErr   bool
	}{
		{"jsonl", "d.jsonl", "{\"a\":1}\n\n{\"b\":2}\n", 2, false},
		{"jsonl invalid line", "d.jsonl", "{\"a\":1}\nnot json\n", 0, true},
		{"csv", "d.csv", "prompt,completion\na,b\nc,d\n", 2, false},
		{"csv header only", "d.csv", "prompt,completion\n", 0, true},
		{"text", "d.txt", "line one\n\nline two\n", 2, false},
		{"markdown", "d.md", "# Heading\ncontent\n", 2, false},
		{"unsupported", "d.docx", "whatever", 0, true},
		{"empty", "d.jsonl", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataset, err := svc.SaveDataset(ctx, "user-1", tt.name, tt.filename, []byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("SaveDataset failed: %v", err)
			}
			if dataset.ExampleCount != tt.wantCount {
				t.Errorf("ExampleCount = %d, want %d", dataset.ExampleCount, tt.wantCount)
			}
		})
	}
}

func TestDatasetLifecycle(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()

	dataset := uploadTestDataset(t, svc, "user-1")
	if dataset.SizeBytes == 0 {
		t.Error("SizeBytes should be set")
	}
	if _, err := os.Stat(dataset.Path); err != nil {
		t.Errorf("dataset file missing: %v", err)
	}

	list, err := svc.ListDatasets(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListDatasets failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != dataset.ID {
		t.Errorf("list = %+v", list)
	}

	// other users cannot see it
	other, err := svc.ListDatasets(ctx, "user-2")
	if err != nil {
		t.Fatalf("ListDatasets(user-2) failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("user-2 sees %d datasets", len(other))
	}
	if _, err := svc.GetDataset(ctx, "user-2", dataset.ID); !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("cross-user GetDataset = %v, want ErrDatasetNotFound", err)
	}

	if err := svc.DeleteDataset(ctx, "user-1", dataset.ID); err != nil {
		t.Fatalf("DeleteDataset failed: %v", err)
	}
	if _, err := os.Stat(dataset.Path); !os.IsNotExist(err) {
		t.Error("dataset file should be removed")
	}
	if err := svc.DeleteDataset(ctx, "user-1", dataset.ID); !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("second delete = %v, want ErrDatasetNotFound", err)
	}
}

func TestTrainingJobLifecycle(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()

	usage := &capturedUsage{}
	svc.SetUsageRecorder(usage)

	dataset := uploadTestDataset(t, svc, "user-1")

	job, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "base-model",
		Params:      models.Hyperparameters{Epochs: 3},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Params.LearningRate != models.DefaultLearningRate {
		t.Errorf("LearningRate = %v, want default", job.Params.LearningRate)
	}

	finished := waitForJobStatus(t, svc, "user-1", job.ID, models.TrainingStatusSucceeded)
	if finished.Progress != 1.0 {
		t.Errorf("Progress = %v, want 1.0", finished.Progress)
	}
	if finished.OutputModel == "" {
		t.Error("OutputModel should be set on success")
	}
	if finished.StartedAt == nil || finished.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}

	if len(usage.events) != 1 || usage.events[0].Kind != models.UsageKindTraining || !usage.events[0].Success {
		t.Errorf("usage events = %+v", usage.events)
	}
}

func TestTrainingJobCancel(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()
	svc.epochDuration = 200 * time.Millisecond

	dataset := uploadTestDataset(t, svc, "user-1")
	job, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "base-model",
		Params:      models.Hyperparameters{Epochs: 50},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	waitForJobStatus(t, svc, "user-1", job.ID, models.TrainingStatusRunning)

	cancelled, err := svc.CancelJob(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if cancelled.Status != models.TrainingStatusCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.OutputModel != "" {
		t.Error("cancelled jobs must not register an output model")
	}

	if _, err := svc.CancelJob(ctx, "user-1", job.ID); !errors.Is(err, ErrJobNotCancellable) {
		t.Errorf("cancelling a finished job = %v, want ErrJobNotCancellable", err)
	}
}

func TestCreateJobValidation(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()

	dataset := uploadTestDataset(t, svc, "user-1")

	if _, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{BaseModelID: "m"}); err == nil {
		t.Error("expected error for missing dataset_id")
	}
	if _, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{DatasetID: dataset.ID}); err == nil {
		t.Error("expected error for missing base_model_id")
	}

	_, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "m",
		Params:      models.Hyperparameters{Epochs: 500},
	})
	if err == nil {
		t.Error("expected error for out-of-range epochs")
	}

	// other users cannot train on someone else's dataset
	_, err = svc.CreateJob(ctx, "user-2", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "m",
	})
	if !errors.Is(err, ErrDatasetNotFound) {
		t.Errorf("cross-user CreateJob = %v, want ErrDatasetNotFound", err)
	}
}

func TestDeleteDatasetBlockedByActiveJob(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()
	svc.epochDuration = 200 * time.Millisecond

	dataset := uploadTestDataset(t, svc, "user-1")
	job, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "base-model",
		Params:      models.Hyperparameters{Epochs: 50},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := svc.DeleteDataset(ctx, "user-1", dataset.ID); !errors.Is(err, ErrDatasetInUse) {
		t.Errorf("DeleteDataset = %v, want ErrDatasetInUse", err)
	}

	if _, err := svc.CancelJob(ctx, "user-1", job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if err := svc.DeleteDataset(ctx, "user-1", dataset.ID); err != nil {
		t.Errorf("DeleteDataset after cancel failed: %v", err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()

	dataset := uploadTestDataset(t, svc, "user-1")

	_, err := svc.CreateSchedule(ctx, "user-1", &models.CreateTrainingScheduleRequest{
		CronExpr:    "not a cron",
		DatasetID:   dataset.ID,
		BaseModelID: "m",
	})
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}

	entry, err := svc.CreateSchedule(ctx, "user-1", &models.CreateTrainingScheduleRequest{
		CronExpr:    "0 3 * * *",
		DatasetID:   dataset.ID,
		BaseModelID: "m",
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if entry.NextRunAt == nil || !entry.NextRunAt.After(time.Now().Add(-time.Minute)) {
		t.Errorf("NextRunAt = %v", entry.NextRunAt)
	}
	if !entry.Enabled {
		t.Error("schedules should start enabled")
	}

	list, err := svc.ListSchedules(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSchedules failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("schedules = %d, want 1", len(list))
	}

	if err := svc.SetScheduleEnabled(ctx, "user-1", entry.ID, false); err != nil {
		t.Fatalf("SetScheduleEnabled failed: %v", err)
	}
	list, _ = svc.ListSchedules(ctx, "user-1")
	if list[0].Enabled {
		t.Error("schedule should be disabled")
	}

	if err := svc.DeleteSchedule(ctx, "user-1", entry.ID); err != nil {
		t.Fatalf("DeleteSchedule failed: %v", err)
	}
	if err := svc.DeleteSchedule(ctx, "user-1", entry.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("second delete = %v, want ErrScheduleNotFound", err)
	}
}

func TestDueSchedulesFire(t *testing.T) {
	svc, db := newTestTrainingService(t)
	ctx := context.Background()

	dataset := uploadTestDataset(t, svc, "user-1")
	entry, err := svc.CreateSchedule(ctx, "user-1", &models.CreateTrainingScheduleRequest{
		CronExpr:    "* * * * *",
		DatasetID:   dataset.ID,
		BaseModelID: "base-model",
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}

	// nothing due while next_run_at is in the future
	due, err := svc.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueSchedules failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("%d schedules due, want 0", len(due))
	}

	// force the schedule into the past
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := db.Exec(ctx, `UPDATE training_schedules SET next_run_at = ? WHERE id = ?`, past, entry.ID); err != nil {
		t.Fatalf("rewind schedule: %v", err)
	}

	due, err = svc.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueSchedules failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("%d schedules due, want 1", len(due))
	}

	if err := svc.FireSchedule(ctx, &due[0]); err != nil {
		t.Fatalf("FireSchedule failed: %v", err)
	}

	jobs, err := svc.ListJobs(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("%d jobs after firing, want 1", len(jobs))
	}
	if jobs[0].DatasetID != dataset.ID || jobs[0].BaseModelID != "base-model" {
		t.Errorf("fired job = %+v", jobs[0])
	}

	// next_run_at advanced past the rewound time
	list, _ := svc.ListSchedules(ctx, "user-1")
	if list[0].NextRunAt == nil || !list[0].NextRunAt.After(past) {
		t.Errorf("NextRunAt not advanced: %v", list[0].NextRunAt)
	}
}

func TestRecoverJobs(t *testing.T) {
	svc, db := newTestTrainingService(t)
	ctx := context.Background()

	dataset := uploadTestDataset(t, svc, "user-1")

	// simulate rows left behind by a previous process
	now := time.Now().UTC()
	_, err := db.Exec(ctx,
		`INSERT INTO training_jobs (id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, created_at)
		 VALUES (?, ?, ?, ?, ?, 0.4, 3, 0.00002, 8, ?)`,
		"stale-running", "user-1", dataset.ID, "m", models.TrainingStatusRunning, now)
	if err != nil {
		t.Fatalf("insert stale running job: %v", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO training_jobs (id, user_id, dataset_id, base_model_id, status, progress, epochs, learning_rate, batch_size, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 2, 0.00002, 8, ?)`,
		"stale-queued", "user-1", dataset.ID, "m", models.TrainingStatusQueued, now)
	if err != nil {
		t.Fatalf("insert stale queued job: %v", err)
	}

	if err := svc.RecoverJobs(ctx); err != nil {
		t.Fatalf("RecoverJobs failed: %v", err)
	}

	interrupted, err := svc.GetJob(ctx, "user-1", "stale-running")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if interrupted.Status != models.TrainingStatusFailed || interrupted.Error == "" {
		t.Errorf("interrupted job = %+v, want failed with error", interrupted)
	}

	// the queued job got a fresh worker and runs to completion
	recovered := waitForJobStatus(t, svc, "user-1", "stale-queued", models.TrainingStatusSucceeded)
	if recovered.OutputModel == "" {
		t.Error("recovered job should produce an output model")
	}
}

func TestShutdownCancelsActiveJobs(t *testing.T) {
	svc, _ := newTestTrainingService(t)
	ctx := context.Background()
	svc.epochDuration = 200 * time.Millisecond

	dataset := uploadTestDataset(t, svc, "user-1")
	job, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "m",
		Params:      models.Hyperparameters{Epochs: 100},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	waitForJobStatus(t, svc, "user-1", job.ID, models.TrainingStatusRunning)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if svc.ActiveJobs() != 0 {
		t.Errorf("ActiveJobs = %d after shutdown", svc.ActiveJobs())
	}

	final, err := svc.GetJob(ctx, "user-1", job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.Status != models.TrainingStatusCancelled {
		t.Errorf("Status = %s after shutdown, want cancelled", final.Status)
	}

	// no new jobs while draining
	if _, err := svc.CreateJob(ctx, "user-1", &models.CreateTrainingJobRequest{
		DatasetID:   dataset.ID,
		BaseModelID: "m",
	}); err == nil {
		t.Error("expected error creating a job after shutdown")
	}
}
