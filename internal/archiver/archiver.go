// Package archiver retires old job and snapshot rows on a schedule.
package archiver

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// batchSize bounds how many rows one archive statement moves; the sweep
// repeats until a batch comes back short.
const batchSize = 500

// RetentionStore is the slice of the store the archiver needs.
type RetentionStore interface {
	ArchiveTerminalJobs(ctx context.Context, cutoff int64, batchSize int) (int64, error)
	PurgeArchive(ctx context.Context, cutoff int64) (int64, error)
	PurgeSnapshots(ctx context.Context, cutoff int64) (int64, error)
}

// Config carries the retention windows. ArchiveRetention zero means archived
// jobs are kept forever.
type Config struct {
	JobRetention      time.Duration
	ArchiveRetention  time.Duration
	SweepInterval     time.Duration
	SnapshotRetention time.Duration
}

// Result reports what one sweep did.
type Result struct {
	Archived         int64 `json:"archived"`
	Purged           int64 `json:"purged"`
	SnapshotsDropped int64 `json:"snapshots_dropped"`
}

// Archiver moves terminal jobs past the retention window into the archive,
// purges archived jobs past theirs, and drops old telemetry snapshots.
type Archiver struct {
	store  RetentionStore
	cfg    Config
	logger *slog.Logger

	sweeping atomic.Bool
}

func New(st RetentionStore, cfg Config, logger *slog.Logger) *Archiver {
	return &Archiver{store: st, cfg: cfg, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep happens immediately so a restart does not defer overdue retention by
// a full interval.
func (a *Archiver) Run(ctx context.Context) {
	if _, err := a.Sweep(ctx); err != nil {
		a.logger.Error("retention sweep failed", "error", err)
	}

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one full retention pass. Sweeps never overlap: a manual trigger
// while the scheduled one is running returns immediately with an empty result.
func (a *Archiver) Sweep(ctx context.Context) (Result, error) {
	if !a.sweeping.CompareAndSwap(false, true) {
		a.logger.Debug("sweep already in progress, skipping")
		return Result{}, nil
	}
	defer a.sweeping.Store(false)

	var res Result
	now := time.Now()

	archiveCutoff := now.Add(-a.cfg.JobRetention).Unix()
	for {
		moved, err := a.store.ArchiveTerminalJobs(ctx, archiveCutoff, batchSize)
		if err != nil {
			return res, err
		}
		res.Archived += moved
		if moved < batchSize {
			break
		}
	}

	if a.cfg.ArchiveRetention > 0 {
		purged, err := a.store.PurgeArchive(ctx, now.Add(-a.cfg.ArchiveRetention).Unix())
		if err != nil {
			return res, err
		}
		res.Purged = purged
	}

	dropped, err := a.store.PurgeSnapshots(ctx, now.Add(-a.cfg.SnapshotRetention).Unix())
	if err != nil {
		return res, err
	}
	res.SnapshotsDropped = dropped

	if res.Archived > 0 || res.Purged > 0 || res.SnapshotsDropped > 0 {
		a.logger.Info("retention sweep finished",
			"archived", res.Archived, "purged", res.Purged, "snapshots_dropped", res.SnapshotsDropped)
	}
	return res, nil
}

// RunNow triggers an immediate sweep, used by the manual admin endpoint.
func (a *Archiver) RunNow(ctx context.Context) (Result, error) {
	return a.Sweep(ctx)
}
