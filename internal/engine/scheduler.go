package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jfellner/distill/internal/models"
)

// Scheduler drives all runnable jobs. It sweeps on a fixed interval and on
// curation wakeups, runs jobs concurrently up to a bound, and never runs the
// same job twice at once. On startup the first sweep resumes every
// non-terminal job from its persisted stage.
type Scheduler struct {
	engine      *Engine
	jobs        JobStore
	wake        <-chan struct{}
	interval    time.Duration
	concurrency int

	// sem bounds in-flight jobs across sweeps, not per sweep.
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler around an engine.
func NewScheduler(eng *Engine, jobs JobStore, wake <-chan struct{}, interval time.Duration, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		engine:      eng,
		jobs:        jobs,
		wake:        wake,
		interval:    interval,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		inflight:    make(map[string]bool),
	}
}

// Run sweeps until the context is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "interval", s.interval, "concurrency", s.concurrency)
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.wake:
			s.Sweep(ctx)
		}
	}
}

// Sweep picks up every runnable job not already being driven and runs each to
// its next blocking point. When the worker pool is full the remaining jobs are
// left for a later sweep rather than blocking the scheduler loop.
func (s *Scheduler) Sweep(ctx context.Context) {
	jobs, err := s.jobs.ListRunnableJobs(ctx)
	if err != nil {
		slog.Error("listing runnable jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		jobID := models.MustRecordIDString(job.ID)
		if !s.claim(jobID) {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.release(jobID)
			continue
		}
		s.wg.Add(1)
		go func(id string) {
			defer func() {
				<-s.sem
				s.release(id)
				s.wg.Done()
			}()
			if err := s.engine.RunToBlock(ctx, id); err != nil {
				slog.Error("job drive failed", "job", id, "error", err)
			}
		}(jobID)
	}
}

func (s *Scheduler) claim(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[jobID] {
		return false
	}
	s.inflight[jobID] = true
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}
