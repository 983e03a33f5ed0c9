package jobs

import (
	"context"
	"log"
	"time"

	"karen/internal/services"
)

// TrainingScheduleRunner fires training schedules whose next run time has
// arrived. It runs every minute; the schedule rows themselves carry the
// cron expressions.
type TrainingScheduleRunner struct {
	training *services.TrainingService
}

// NewTrainingScheduleRunner creates a new schedule runner
func NewTrainingScheduleRunner(training *services.TrainingService) *TrainingScheduleRunner {
	return &TrainingScheduleRunner{training: training}
}

// Run starts jobs for all due schedules
func (j *TrainingScheduleRunner) Run(ctx context.Context) error {
	if j.training == nil {
		return nil
	}

	due, err := j.training.DueSchedules(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for i := range due {
		entry := &due[i]
		if err := j.training.FireSchedule(ctx, entry); err != nil {
			log.Printf("⚠️ [TRAINING] Schedule %s failed to fire: %v", entry.ID, err)
		}
	}
	return nil
}
