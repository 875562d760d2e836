package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// ArchiveTerminalJobs moves terminal jobs older than the cutoff into
// job_archive, at most batchSize rows per call. Insert and delete run in one
// transaction so a job is never in both tables or in neither.
func (s *PostgresStore) ArchiveTerminalJobs(ctx context.Context, cutoff int64, batchSize int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().Unix()
	tag, err := tx.Exec(ctx,
		`WITH moved AS (
		     SELECT id FROM job
		     WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1
		     ORDER BY updated_at ASC LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 ), inserted AS (
		     INSERT INTO job_archive (id, user_id, status, priority, priority_score, model_id, backend_url,
		                              request, result, error, attempt_count, max_attempts,
		                              created_at, started_at, updated_at, archived_at)
		     SELECT j.id, j.user_id, j.status, j.priority, j.priority_score, j.model_id, j.backend_url,
		            j.request, j.result, j.error, j.attempt_count, j.max_attempts,
		            j.created_at, j.started_at, j.updated_at, $3
		     FROM job j JOIN moved m ON m.id = j.id
		 )
		 DELETE FROM job WHERE id IN (SELECT id FROM moved)`,
		cutoff, batchSize, now)
	if err != nil {
		return 0, fmt.Errorf("archive terminal jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeArchive(ctx context.Context, cutoff int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListArchivedJobs(ctx context.Context, filter JobFilter) ([]*models.ArchivedJob, int, error) {
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
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_archive WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count archived jobs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s, archived_at FROM job_archive WHERE %s
		 ORDER BY archived_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Skip)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list archived jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ArchivedJob
	for rows.Next() {
		var a models.ArchivedJob
		if err := rows.Scan(&a.ID, &a.UserID, &a.Status, &a.Priority, &a.PriorityScore, &a.ModelID,
			&a.BackendURL, &a.Request, &a.Result, &a.Error, &a.AttemptCount, &a.MaxAttempts,
			&a.CreatedAt, &a.StartedAt, &a.UpdatedAt, &a.ArchivedAt); err != nil {
			return nil, 0, fmt.Errorf("scan archived job: %w", err)
		}
		jobs = append(jobs, &a)
	}
	return jobs, total, rows.Err()
}
