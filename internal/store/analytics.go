package store

import (
	"context"
	"fmt"
)

// jobSource returns the table expression analytics queries run against:
// the active table alone, or the union of active and archived rows.
func jobSource(combined bool) string {
	if !combined {
		return "job"
	}
	return `(SELECT user_id, status, model_id, created_at, started_at FROM job
	         UNION ALL
	         SELECT user_id, status, model_id, created_at, started_at FROM job_archive) j`
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, combined bool) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, jobSource(combined)))
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AvgWaitSeconds is the mean queue wait (submission to first dispatch) over
// jobs that have started at least once.
func (s *PostgresStore) AvgWaitSeconds(ctx context.Context, combined bool) (float64, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT AVG(started_at - created_at) FROM %s WHERE started_at IS NOT NULL`,
			jobSource(combined))).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg wait seconds: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

func (s *PostgresStore) TopModels(ctx context.Context, combined bool, limit int) ([]ModelAgg, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT model_id, COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM %s GROUP BY model_id ORDER BY COUNT(*) DESC LIMIT $1`, jobSource(combined)), limit)
	if err != nil {
		return nil, fmt.Errorf("top models: %w", err)
	}
	defer rows.Close()

	var aggs []ModelAgg
	for rows.Next() {
		var a ModelAgg
		if err := rows.Scan(&a.ModelID, &a.Total, &a.Completed, &a.Failed); err != nil {
			return nil, fmt.Errorf("scan model agg: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *PostgresStore) TopUsers(ctx context.Context, combined bool, limit int) ([]UserAgg, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT user_id, COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed')
		 FROM %s GROUP BY user_id ORDER BY COUNT(*) DESC LIMIT $1`, jobSource(combined)), limit)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	var aggs []UserAgg
	for rows.Next() {
		var a UserAgg
		if err := rows.Scan(&a.UserID, &a.Total, &a.Completed, &a.Failed); err != nil {
			return nil, fmt.Errorf("scan user agg: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *PostgresStore) DailyCounts(ctx context.Context, combined bool, days int) ([]DailyAgg, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT to_char(to_timestamp(created_at) AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COUNT(*) FILTER (WHERE status = 'cancelled')
		 FROM %s
		 WHERE created_at >= extract(epoch FROM now() - make_interval(days => $1))::bigint
		 GROUP BY day ORDER BY day ASC`, jobSource(combined)), days)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer rows.Close()

	var aggs []DailyAgg
	for rows.Next() {
		var a DailyAgg
		if err := rows.Scan(&a.Date, &a.Total, &a.Completed, &a.Failed, &a.Cancelled); err != nil {
			return nil, fmt.Errorf("scan daily agg: %w", err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}
