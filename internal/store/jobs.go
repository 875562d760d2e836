package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const jobColumns = `id, user_id, status, priority, priority_score, model_id, backend_url,
	request, result, error, attempt_count, max_attempts, created_at, started_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Priority, &j.PriorityScore, &j.ModelID,
		&j.BackendURL, &j.Request, &j.Result, &j.Error, &j.AttemptCount, &j.MaxAttempts,
		&j.CreatedAt, &j.StartedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job (id, user_id, status, priority, priority_score, model_id, request, attempt_count, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.UserID, job.Status, job.Priority, job.PriorityScore, job.ModelID,
		job.Request, job.AttemptCount, job.MaxAttempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter.NormalizePage()

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.UserID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.ModelID != "" {
		conditions = append(conditions, fmt.Sprintf("model_id = $%d", argIdx))
		args = append(args, filter.ModelID)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM job WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Skip)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ListQueued returns queued jobs in claim order: highest priority_score first,
// oldest first within ties.
func (s *PostgresStore) ListQueued(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job WHERE status = 'queued'
		 ORDER BY priority_score DESC, created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID, backendURL string) (*models.Job, error) {
	now := time.Now().Unix()
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE job SET status = 'running', backend_url = $2, attempt_count = attempt_count + 1,
		        started_at = COALESCE(started_at, $3), updated_at = $3
		 WHERE id = $1 AND status = 'queued'
		 RETURNING `+jobColumns, id, backendURL, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job SET status = 'completed', result = $2, error = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'running'`, id, result, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job SET status = 'queued', backend_url = NULL, error = $2, updated_at = $3
		 WHERE id = $1 AND status = 'running'`, id, errMsg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job SET status = 'failed', error = $2, updated_at = $3
		 WHERE id = $1 AND status = 'running'`, id, errMsg, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status IN ('queued', 'running')`, id, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	now := time.Now().Unix()
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE job SET status = 'queued', priority_score = priority, backend_url = NULL,
		        result = NULL, error = NULL, attempt_count = 0, started_at = NULL, updated_at = $2
		 WHERE id = $1 AND status IN ('failed', 'cancelled')
		 RETURNING `+jobColumns, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing job from a live one.
		if _, getErr := s.GetJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) StaleRunning(ctx context.Context, cutoff int64) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job WHERE status = 'running' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) BumpQueuedScores(ctx context.Context, increment float64, cutoff int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job SET priority_score = priority_score + $1
		 WHERE status = 'queued' AND created_at <= $2`, increment, cutoff)
	if err != nil {
		return 0, fmt.Errorf("bump queued scores: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueueDepths(ctx context.Context) (int, int, error) {
	var queued, running int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'queued'),
		        COUNT(*) FILTER (WHERE status = 'running')
		 FROM job WHERE status IN ('queued', 'running')`,
	).Scan(&queued, &running)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depths: %w", err)
	}
	return queued, running, nil
}

func (s *PostgresStore) RunningByBackend(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT backend_url, COUNT(*) FROM job
		 WHERE status = 'running' AND backend_url IS NOT NULL GROUP BY backend_url`)
	if err != nil {
		return nil, fmt.Errorf("running by backend: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var url string
		var n int
		if err := rows.Scan(&url, &n); err != nil {
			return nil, fmt.Errorf("scan backend count: %w", err)
		}
		counts[url] = n
	}
	return counts, rows.Err()
}
