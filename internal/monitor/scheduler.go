// Package monitor runs the scheduled staleness scan that watches for
// portfolios past their rebalance interval.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/portfolio-registry/internal/logging"
)

// Job is a named unit of scheduled work.
type Job interface {
	// Name identifies the job in logs and lookups.
	Name() string

	// Run executes one cycle of the job.
	Run(ctx context.Context) error

	// Schedule returns the cron expression the job runs on. Six-field
	// expressions (with seconds) and @every durations are accepted.
	Schedule() string
}

// Scheduler drives registered jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
	jobs   map[string]Job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler. Jobs only run after Start.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logging.GetGlobalLogger().WithField("component", "scheduler"),
		jobs:   make(map[string]Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers a job under its schedule.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	if _, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(job)
	}); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = job

	s.logger.WithFields(map[string]interface{}{
		"job":      name,
		"schedule": job.Schedule(),
	}).Info("Job scheduled")

	return nil
}

// Start begins dispatching jobs.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.cron.Start()
}

// Stop cancels the job context, halts dispatch and waits for running jobs
// to finish.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// RunJob triggers a registered job immediately, outside its schedule.
func (s *Scheduler) RunJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}

	s.runJob(job)
	return nil
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()

	if err := job.Run(s.ctx); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"job":      job.Name(),
			"duration": time.Since(start),
			"error":    err.Error(),
		}).Error("Job failed")
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"job":      job.Name(),
		"duration": time.Since(start),
	}).Info("Job completed")
}
