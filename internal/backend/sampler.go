package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SnapshotStore is the slice of the job store the sampler needs.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap *models.BackendSnapshot) error
	QueueDepths(ctx context.Context) (queued int, running int, err error)
}

// Sampler periodically persists one telemetry row per backend: host CPU/RAM,
// queue depths, per-backend in-flight load, and loaded-model VRAM reported
// over /api/ps.
type Sampler struct {
	store   SnapshotStore
	tracker *Tracker
	client  Client
	logger  *slog.Logger
}

func NewSampler(store SnapshotStore, tracker *Tracker, client Client, logger *slog.Logger) *Sampler {
	return &Sampler{store: store, tracker: tracker, client: client, logger: logger}
}

// Run samples on the given interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAll(ctx)
		}
	}
}

func (s *Sampler) sampleAll(ctx context.Context) {
	now := time.Now().Unix()

	var cpuPct, ramPct *float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = &pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ramPct = &vm.UsedPercent
	}

	queued, _, err := s.store.QueueDepths(ctx)
	var queuedPtr *int
	if err != nil {
		s.logger.Error("snapshot queue depths failed", "error", err)
	} else {
		queuedPtr = &queued
	}

	for _, st := range s.tracker.Snapshot() {
		snap := &models.BackendSnapshot{
			CapturedAt: now,
			BackendURL: st.URL,
			CPUPercent: cpuPct,
			RAMPercent: ramPct,
			QueuedJobs: queuedPtr,
		}

		active := st.ActiveJobs
		snap.ActiveJobs = &active

		if st.AvgTokensPerSecond > 0 {
			tps := st.AvgTokensPerSecond
			snap.AvgTokensPerSecond = &tps
		}

		if st.Healthy {
			if loaded, err := s.client.Ps(ctx, st.URL); err == nil {
				n := len(loaded)
				snap.LoadedModels = &n
				var vramBytes int64
				for _, m := range loaded {
					vramBytes += m.SizeVRAM
				}
				vramGB := float64(vramBytes) / (1 << 30)
				snap.VRAMUsedGB = &vramGB
			}
		}

		if err := s.store.InsertSnapshot(ctx, snap); err != nil {
			s.logger.Error("insert backend snapshot failed", "backend", st.URL, "error", err)
		}
	}
}
