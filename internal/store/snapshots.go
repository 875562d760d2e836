package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *models.BackendSnapshot) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO backend_snapshot (captured_at, backend_url, cpu_percent, ram_percent,
		                               active_jobs, queued_jobs, loaded_models, vram_used_gb, avg_tokens_per_second)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		snap.CapturedAt, snap.BackendURL, snap.CPUPercent, snap.RAMPercent,
		snap.ActiveJobs, snap.QueuedJobs, snap.LoadedModels, snap.VRAMUsedGB, snap.AvgTokensPerSecond,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*models.BackendSnapshot, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.BackendURL != "" {
		conditions = append(conditions, fmt.Sprintf("backend_url = $%d", argIdx))
		args = append(args, filter.BackendURL)
		argIdx++
	}
	if filter.Since > 0 {
		conditions = append(conditions, fmt.Sprintf("captured_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT id, captured_at, backend_url, cpu_percent, ram_percent, active_jobs, queued_jobs,
		        loaded_models, vram_used_gb, avg_tokens_per_second
		 FROM backend_snapshot WHERE %s ORDER BY captured_at DESC LIMIT $%d`,
		strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.BackendSnapshot
	for rows.Next() {
		var sn models.BackendSnapshot
		if err := rows.Scan(&sn.ID, &sn.CapturedAt, &sn.BackendURL, &sn.CPUPercent, &sn.RAMPercent,
			&sn.ActiveJobs, &sn.QueuedJobs, &sn.LoadedModels, &sn.VRAMUsedGB, &sn.AvgTokensPerSecond); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, &sn)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) PurgeSnapshots(ctx context.Context, cutoff int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backend_snapshot WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
