package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Job is one unit of recurring background work
type Job interface {
	Run(ctx context.Context) error
}

// Scheduler runs the background jobs on fixed intervals. It wraps gocron
// so jobs get singleton-mode protection (a slow run never overlaps the
// next one).
type Scheduler struct {
	scheduler gocron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new job scheduler
func NewScheduler() (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds a job that runs every interval
func (s *Scheduler) Register(name string, interval time.Duration, job Job) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := job.Run(s.ctx); err != nil {
				log.Printf("⚠️ [SCHEDULER] Job %s failed: %v", name, err)
			}
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	log.Printf("✅ [SCHEDULER] Registered job %s (every %s)", name, interval)
	return nil
}

// Start begins running all registered jobs
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Job scheduler started with %d jobs", len(s.scheduler.Jobs()))
}

// Shutdown stops the scheduler and cancels running jobs
func (s *Scheduler) Shutdown() error {
	log.Println("⏹️ [SCHEDULER] Stopping job scheduler...")
	s.cancel()
	return s.scheduler.Shutdown()
}
