// Package scheduler claims queued jobs and drives them to a terminal state.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/kiranshivaraju/inferq/internal/notifier"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// JobStore is the slice of the store the scheduler needs.
type JobStore interface {
	ListQueued(ctx context.Context, limit int) ([]*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID, backendURL string) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	RequeueJob(ctx context.Context, id uuid.UUID, errMsg string) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error
	StaleRunning(ctx context.Context, cutoff int64) ([]*models.Job, error)
	BumpQueuedScores(ctx context.Context, increment float64, cutoff int64) (int64, error)
}

// Executor runs one chat completion against one backend.
type Executor interface {
	ChatCompletion(ctx context.Context, baseURL string, request json.RawMessage) (json.RawMessage, *backend.CompletionStats, error)
}

// Chooser picks the backend for the next dispatch.
type Chooser interface {
	Choose(ctx context.Context) (string, error)
}

// LoadTracker is the slice of the backend tracker the scheduler updates.
type LoadTracker interface {
	URLs() []string
	TotalActive() int
	IncActive(url string)
	DecActive(url string)
	RecordCompletion(url string, stats *backend.CompletionStats)
	RecordFailure(url string)
}

// ResultCache invalidates cached job payloads after a transition.
type ResultCache interface {
	InvalidateJobResult(ctx context.Context, jobID uuid.UUID) error
}

// Publisher pushes terminal job events to the owning user. Claims and
// internal requeues are not announced; subscribers only hear about
// completed, failed, and cancelled.
type Publisher interface {
	Publish(userID uuid.UUID, ev notifier.Event)
}

// Config carries the scheduler's tuning knobs.
type Config struct {
	Tick                  time.Duration
	ExecTimeout           time.Duration
	PerBackendConcurrency int
	StaleRunningAge       time.Duration
	StarvationTick        time.Duration
	StarvationIncrement   float64
}

// Scheduler runs the dispatch loop: each tick it claims as many queued jobs
// as the pool has spare capacity for and executes each in its own goroutine.
type Scheduler struct {
	store    JobStore
	exec     Executor
	selector Chooser
	tracker  LoadTracker
	cache    ResultCache
	events   Publisher
	cfg      Config
	logger   *slog.Logger

	passActive atomic.Bool
	inflight   sync.WaitGroup
}

func New(st JobStore, exec Executor, selector Chooser, tracker LoadTracker,
	cache ResultCache, events Publisher, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		exec:     exec,
		selector: selector,
		tracker:  tracker,
		cache:    cache,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight executions to finish their bookkeeping.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// RunStarvationLoop periodically raises the priority score of waiting jobs so
// a stream of high-priority submissions cannot starve the low end forever.
func (s *Scheduler) RunStarvationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StarvationTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.StarvationTick).Unix()
			n, err := s.store.BumpQueuedScores(ctx, s.cfg.StarvationIncrement, cutoff)
			if err != nil {
				s.logger.Error("starvation bump failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("bumped waiting jobs", "count", n, "increment", s.cfg.StarvationIncrement)
			}
		}
	}
}

// Pass runs one scheduling pass. Passes never overlap: if the previous one is
// still claiming, this tick is skipped rather than queued behind it.
func (s *Scheduler) Pass(ctx context.Context) {
	if !s.passActive.CompareAndSwap(false, true) {
		return
	}
	defer s.passActive.Store(false)

	capacity := len(s.tracker.URLs())*s.cfg.PerBackendConcurrency - s.tracker.TotalActive()
	if capacity <= 0 {
		return
	}

	jobs, err := s.store.ListQueued(ctx, capacity)
	if err != nil {
		s.logger.Error("list queued jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		backendURL, err := s.selector.Choose(ctx)
		if err != nil {
			s.logger.Warn("no backend available, pass aborted", "error", err)
			return
		}

		claimed, err := s.store.ClaimJob(ctx, job.ID, backendURL)
		if errors.Is(err, store.ErrConflict) {
			// someone else moved it since the scan
			continue
		}
		if err != nil {
			s.logger.Error("claim failed, pass aborted", "job_id", job.ID, "error", err)
			return
		}

		s.tracker.IncActive(backendURL)

		s.inflight.Add(1)
		go s.execute(ctx, claimed, backendURL)
	}
}

// execute runs one attempt and persists the outcome. Outcome writes use a
// context detached from the dispatch loop so shutdown does not lose them.
func (s *Scheduler) execute(ctx context.Context, job *models.Job, backendURL string) {
	defer s.inflight.Done()
	defer s.tracker.DecActive(backendURL)

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	result, stats, err := s.exec.ChatCompletion(execCtx, backendURL, job.Request)

	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer writeCancel()

	if err != nil {
		s.tracker.RecordFailure(backendURL)
		s.handleFailure(writeCtx, job, backendURL, err)
		return
	}

	if err := s.store.CompleteJob(writeCtx, job.ID, result); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// cancelled while running; the late result is discarded
			s.logger.Info("discarding result for job no longer running", "job_id", job.ID)
		} else {
			s.logger.Error("persist completion failed", "job_id", job.ID, "error", err)
		}
		return
	}

	s.tracker.RecordCompletion(backendURL, stats)
	s.invalidate(writeCtx, job.ID)
	s.publish(job, models.JobStatusCompleted, nil)
	s.logger.Info("job completed", "job_id", job.ID, "backend", backendURL,
		"duration_ms", stats.Duration.Milliseconds(), "attempt", job.AttemptCount)
}

// handleFailure applies the retry branch: re-queue while attempts remain,
// fail for good otherwise.
func (s *Scheduler) handleFailure(ctx context.Context, job *models.Job, backendURL string, execErr error) {
	msg := execErr.Error()

	if job.AttemptCount < job.MaxAttempts {
		if err := s.store.RequeueJob(ctx, job.ID, msg); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				s.logger.Error("requeue failed", "job_id", job.ID, "error", err)
			}
			return
		}
		s.logger.Warn("job attempt failed, re-queued", "job_id", job.ID, "backend", backendURL,
			"attempt", job.AttemptCount, "max_attempts", job.MaxAttempts, "error", execErr)
		return
	}

	if err := s.store.FailJob(ctx, job.ID, msg); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			s.logger.Error("fail transition failed", "job_id", job.ID, "error", err)
		}
		return
	}
	s.invalidate(ctx, job.ID)
	s.publish(job, models.JobStatusFailed, &msg)
	s.logger.Error("job failed permanently", "job_id", job.ID, "backend", backendURL,
		"attempts", job.AttemptCount, "error", execErr)
}

// RecoverStale fails or re-queues jobs stuck in running since before the
// stale cutoff. Called once at startup: a running job older than the
// execution budget belongs to a previous process that died mid-flight.
func (s *Scheduler) RecoverStale(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleRunningAge).Unix()
	jobs, err := s.store.StaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		s.logger.Warn("recovering stale running job", "job_id", job.ID, "attempt", job.AttemptCount)
		s.handleFailure(ctx, job, "", errors.New("execution interrupted by restart"))
	}
	return nil
}

// Wait blocks until all in-flight executions have finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) publish(job *models.Job, status string, errMsg *string) {
	s.events.Publish(job.UserID, notifier.Event{
		JobID:     job.ID,
		Status:    status,
		Error:     errMsg,
		UpdatedAt: time.Now().Unix(),
	})
}

func (s *Scheduler) invalidate(ctx context.Context, jobID uuid.UUID) {
	if err := s.cache.InvalidateJobResult(ctx, jobID); err != nil {
		s.logger.Warn("cache invalidation failed", "job_id", jobID, "error", err)
	}
}
