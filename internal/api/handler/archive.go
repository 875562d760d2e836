package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/archiver"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// ArchiveStore is the slice of the store the archive handlers need.
type ArchiveStore interface {
	ListArchivedJobs(ctx context.Context, filter store.JobFilter) ([]*models.ArchivedJob, int, error)
}

// Sweeper triggers a retention sweep on demand.
type Sweeper interface {
	RunNow(ctx context.Context) (archiver.Result, error)
}

// NewArchiveListHandler returns the handler for GET /api/v1/jobs/archive.
func NewArchiveListHandler(st ArchiveStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := jobFilterFromQuery(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if raw := r.URL.Query().Get("user_id"); raw != "" {
			uid, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
				return
			}
			filter.UserID = uid
		}
		filter.NormalizePage()

		jobs, total, err := st.ListArchivedJobs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list archived jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.ArchivedJob{}
		}

		response.Collection(w, jobs, response.NewPaginationMeta(filter.Skip, filter.Limit, total))
	}
}

// NewArchiveConfigHandler returns the handler for GET /api/v1/jobs/archive/config,
// reporting the retention windows in effect.
func NewArchiveConfigHandler(cfg archiver.Config) http.HandlerFunc {
	type retentionConfig struct {
		JobRetentionDays      int  `json:"job_retention_days"`
		ArchiveRetentionDays  int  `json:"archive_retention_days"`
		ArchivePurgeEnabled   bool `json:"archive_purge_enabled"`
		SweepIntervalSeconds  int  `json:"sweep_interval_seconds"`
		SnapshotRetentionDays int  `json:"snapshot_retention_days"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, retentionConfig{
			JobRetentionDays:      int(cfg.JobRetention.Hours() / 24),
			ArchiveRetentionDays:  int(cfg.ArchiveRetention.Hours() / 24),
			ArchivePurgeEnabled:   cfg.ArchiveRetention > 0,
			SweepIntervalSeconds:  int(cfg.SweepInterval.Seconds()),
			SnapshotRetentionDays: int(cfg.SnapshotRetention.Hours() / 24),
		})
	}
}

// NewArchiveRunHandler returns the handler for POST /api/v1/jobs/archive/run.
func NewArchiveRunHandler(sw Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := sw.RunNow(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Retention sweep failed", nil)
			return
		}
		response.JSON(w, res)
	}
}
