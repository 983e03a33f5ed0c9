package jobs

import (
	"context"
	"log"

	"karen/internal/services"
)

// ModelRefreshJob re-discovers models from all enabled providers so the
// catalog tracks what providers actually serve
type ModelRefreshJob struct {
	models *services.ModelService
}

// NewModelRefreshJob creates a new model refresh job
func NewModelRefreshJob(models *services.ModelService) *ModelRefreshJob {
	return &ModelRefreshJob{models: models}
}

// Run refreshes the model catalog from every enabled provider
func (j *ModelRefreshJob) Run(ctx context.Context) error {
	if j.models == nil {
		return nil
	}

	count, err := j.models.RefreshAll(ctx)
	if err != nil {
		return err
	}

	log.Printf("🔄 [MODELS] Periodic refresh discovered %d models", count)
	return nil
}
