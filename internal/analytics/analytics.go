// Package analytics aggregates job history into reporting summaries.
package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/kiranshivaraju/inferq/internal/store"
)

// topN bounds the by-model and by-user breakdowns.
const topN = 20

// historyDays is how far back the daily submission history reaches.
const historyDays = 90

// AggregateStore is the slice of the store the analytics service reads from.
type AggregateStore interface {
	CountJobsByStatus(ctx context.Context, combined bool) (map[string]int, error)
	AvgWaitSeconds(ctx context.Context, combined bool) (float64, error)
	TopModels(ctx context.Context, combined bool, limit int) ([]store.ModelAgg, error)
	TopUsers(ctx context.Context, combined bool, limit int) ([]store.UserAgg, error)
	DailyCounts(ctx context.Context, combined bool, days int) ([]store.DailyAgg, error)
}

// Summary is the full analytics payload. Combined reports whether archived
// jobs were folded into the numbers.
type Summary struct {
	Combined       bool             `json:"combined"`
	StatusCounts   map[string]int   `json:"status_counts"`
	TotalJobs      int              `json:"total_jobs"`
	SuccessRate    float64          `json:"success_rate"`
	AvgWaitSeconds float64          `json:"avg_wait_seconds"`
	ByModel        []store.ModelAgg `json:"by_model"`
	ByUser         []store.UserAgg  `json:"by_user"`
	Daily          []store.DailyAgg `json:"daily"`
}

// Service computes analytics summaries and CSV exports.
type Service struct {
	store  AggregateStore
	logger *slog.Logger
}

func New(st AggregateStore, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Summarize builds the full analytics payload. With combined set, archived
// jobs count alongside active ones.
func (s *Service) Summarize(ctx context.Context, combined bool) (*Summary, error) {
	counts, err := s.store.CountJobsByStatus(ctx, combined)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}

	avgWait, err := s.store.AvgWaitSeconds(ctx, combined)
	if err != nil {
		return nil, fmt.Errorf("average wait: %w", err)
	}

	byModel, err := s.store.TopModels(ctx, combined, topN)
	if err != nil {
		return nil, fmt.Errorf("top models: %w", err)
	}

	byUser, err := s.store.TopUsers(ctx, combined, topN)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}

	daily, err := s.store.DailyCounts(ctx, combined, historyDays)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	return &Summary{
		Combined:       combined,
		StatusCounts:   counts,
		TotalJobs:      total,
		SuccessRate:    successRate(counts),
		AvgWaitSeconds: avgWait,
		ByModel:        byModel,
		ByUser:         byUser,
		Daily:          daily,
	}, nil
}

// successRate is completed over all terminal jobs. Queued and running jobs
// are still undecided and do not count either way.
func successRate(counts map[string]int) float64 {
	completed := counts["completed"]
	terminal := completed + counts["failed"] + counts["cancelled"]
	if terminal == 0 {
		return 0
	}
	return float64(completed) / float64(terminal)
}

// ExportCSV writes the daily history and per-model breakdown as two CSV
// sections separated by a blank line.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, combined bool) error {
	daily, err := s.store.DailyCounts(ctx, combined, historyDays)
	if err != nil {
		return fmt.Errorf("daily counts: %w", err)
	}
	byModel, err := s.store.TopModels(ctx, combined, topN)
	if err != nil {
		return fmt.Errorf("top models: %w", err)
	}

	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"date", "total", "completed", "failed", "cancelled"}); err != nil {
		return err
	}
	for _, d := range daily {
		row := []string{d.Date, strconv.Itoa(d.Total), strconv.Itoa(d.Completed),
			strconv.Itoa(d.Failed), strconv.Itoa(d.Cancelled)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}

	cw = csv.NewWriter(w)
	if err := cw.Write([]string{"model_id", "total", "completed", "failed"}); err != nil {
		return err
	}
	for _, m := range byModel {
		row := []string{m.ModelID, strconv.Itoa(m.Total), strconv.Itoa(m.Completed), strconv.Itoa(m.Failed)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
