package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrConflict is returned when a conditional status transition observes a
// status other than the one it requires. Callers treat it as "someone else
// got there first".
var ErrConflict = errors.New("job status conflict")

// MaxPageSize caps the limit parameter on all list operations.
const MaxPageSize = 200

// DefaultPageSize is used when no limit is given.
const DefaultPageSize = 50

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListQueued(ctx context.Context, limit int) ([]*models.Job, error)

	// ClaimJob transitions queued→running, recording the chosen backend and
	// incrementing attempt_count. Returns ErrConflict when the job is no
	// longer queued, so concurrent claimers cannot double-dispatch.
	ClaimJob(ctx context.Context, id uuid.UUID, backendURL string) (*models.Job, error)

	// CompleteJob transitions running→completed with the result payload.
	// A job cancelled mid-flight is no longer running, so the late result
	// is rejected with ErrConflict and discarded by the caller.
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error

	// RequeueJob transitions running→queued after a failed attempt that has
	// retries left, clearing the backend assignment.
	RequeueJob(ctx context.Context, id uuid.UUID, errMsg string) error

	// FailJob transitions running→failed once attempts are exhausted.
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error

	// CancelJob transitions queued|running→cancelled. Returns false without
	// error when the job is already terminal (cancellation is idempotent).
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)

	// RetryJob transitions failed|cancelled→queued, resetting attempt
	// bookkeeping. Returns ErrConflict when the job is not terminal-retryable.
	RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// StaleRunning returns running jobs whose updated_at is older than the
	// cutoff, for crash recovery at startup.
	StaleRunning(ctx context.Context, cutoff int64) ([]*models.Job, error)

	// BumpQueuedScores raises priority_score on queued jobs created at or
	// before the cutoff so long-waiting jobs cannot starve.
	BumpQueuedScores(ctx context.Context, increment float64, cutoff int64) (int64, error)

	QueueDepths(ctx context.Context) (queued int, running int, err error)
	RunningByBackend(ctx context.Context) (map[string]int, error)

	ArchiveTerminalJobs(ctx context.Context, cutoff int64, batchSize int) (int64, error)
	PurgeArchive(ctx context.Context, cutoff int64) (int64, error)
	ListArchivedJobs(ctx context.Context, filter JobFilter) ([]*models.ArchivedJob, int, error)

	InsertSnapshot(ctx context.Context, snap *models.BackendSnapshot) error
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.BackendSnapshot, error)
	PurgeSnapshots(ctx context.Context, cutoff int64) (int64, error)

	CountJobsByStatus(ctx context.Context, combined bool) (map[string]int, error)
	AvgWaitSeconds(ctx context.Context, combined bool) (float64, error)
	TopModels(ctx context.Context, combined bool, limit int) ([]ModelAgg, error)
	TopUsers(ctx context.Context, combined bool, limit int) ([]UserAgg, error)
	DailyCounts(ctx context.Context, combined bool, days int) ([]DailyAgg, error)
}

// JobFilter narrows job list queries. A zero UserID means all users.
type JobFilter struct {
	UserID  uuid.UUID
	Status  string
	ModelID string
	Skip    int
	Limit   int
}

// SnapshotFilter narrows snapshot list queries.
type SnapshotFilter struct {
	BackendURL string
	Since      int64
	Limit      int
}

// ModelAgg is a per-model job count breakdown.
type ModelAgg struct {
	ModelID   string `json:"model_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// UserAgg is a per-user job count breakdown.
type UserAgg struct {
	UserID    uuid.UUID `json:"user_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
}

// DailyAgg is one day of submission history.
type DailyAgg struct {
	Date      string `json:"date"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// NormalizePage clamps skip/limit to sane bounds. Handlers reject
// out-of-range values before this runs; the clamp covers internal callers.
func (f *JobFilter) NormalizePage() {
	if f.Skip < 0 {
		f.Skip = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
}
