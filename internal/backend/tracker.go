package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for response-time and throughput averages.
// Higher values weight recent observations more.
const emaAlpha = 0.3

// Status is the tracked view of one backend.
type Status struct {
	URL                 string  `json:"url"`
	Healthy             bool    `json:"healthy"`
	Version             string  `json:"version,omitempty"`
	LastCheckedAt       int64   `json:"last_checked_at"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	ActiveJobs          int     `json:"active_jobs"`
	AvgResponseMillis   float64 `json:"avg_response_ms"`
	AvgTokensPerSecond  float64 `json:"avg_tokens_per_second"`
	TotalCompleted      int64   `json:"total_completed"`
	TotalFailed         int64   `json:"total_failed"`
}

// Tracker keeps per-backend health and load state. All methods are safe for
// concurrent use; the scheduler, balancer, and API read and write it from
// different goroutines.
type Tracker struct {
	client Client
	urls   []string
	logger *slog.Logger

	mu     sync.Mutex
	status map[string]*Status
}

func NewTracker(client Client, urls []string, logger *slog.Logger) *Tracker {
	status := make(map[string]*Status, len(urls))
	for _, u := range urls {
		// backends start healthy; the first failed ping demotes them
		status[u] = &Status{URL: u, Healthy: true}
	}
	return &Tracker{
		client: client,
		urls:   urls,
		logger: logger,
		status: status,
	}
}

// URLs returns the configured backend order.
func (t *Tracker) URLs() []string {
	return t.urls
}

// RunHealthChecks pings every backend on the given interval until ctx is
// cancelled. An immediate first pass runs before the ticker starts.
func (t *Tracker) RunHealthChecks(ctx context.Context, interval, timeout time.Duration) {
	t.checkAll(ctx, timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkAll(ctx, timeout)
		}
	}
}

func (t *Tracker) checkAll(ctx context.Context, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, u := range t.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			t.checkOne(ctx, url, timeout)
		}(u)
	}
	wg.Wait()
}

func (t *Tracker) checkOne(ctx context.Context, url string, timeout time.Duration) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version, err := t.client.Version(pingCtx, url)
	now := time.Now().Unix()

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status[url]
	st.LastCheckedAt = now

	if err != nil {
		st.ConsecutiveFailures++
		if st.Healthy {
			t.logger.Warn("backend unhealthy", "backend", url, "error", err)
		}
		st.Healthy = false
		return
	}

	if !st.Healthy {
		t.logger.Info("backend recovered", "backend", url, "version", version)
	}
	st.Healthy = true
	st.ConsecutiveFailures = 0
	st.Version = version
}

// IncActive records a dispatch to the backend.
func (t *Tracker) IncActive(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[url]; ok {
		st.ActiveJobs++
	}
}

// DecActive records the end of an execution, success or not.
func (t *Tracker) DecActive(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[url]; ok && st.ActiveJobs > 0 {
		st.ActiveJobs--
	}
}

// RecordCompletion folds a successful execution into the moving averages.
func (t *Tracker) RecordCompletion(url string, stats *CompletionStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.status[url]
	if !ok {
		return
	}
	st.TotalCompleted++

	millis := float64(stats.Duration.Milliseconds())
	if st.AvgResponseMillis == 0 {
		st.AvgResponseMillis = millis
	} else {
		st.AvgResponseMillis = emaAlpha*millis + (1-emaAlpha)*st.AvgResponseMillis
	}

	if stats.TokensPerSecond > 0 {
		if st.AvgTokensPerSecond == 0 {
			st.AvgTokensPerSecond = stats.TokensPerSecond
		} else {
			st.AvgTokensPerSecond = emaAlpha*stats.TokensPerSecond + (1-emaAlpha)*st.AvgTokensPerSecond
		}
	}
}

// RecordFailure counts a failed execution against the backend.
func (t *Tracker) RecordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[url]; ok {
		st.TotalFailed++
	}
}

// Healthy returns the healthy backend URLs in configured order.
func (t *Tracker) Healthy() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, u := range t.urls {
		if t.status[u].Healthy {
			out = append(out, u)
		}
	}
	return out
}

// ActiveJobs returns the in-flight count for one backend.
func (t *Tracker) ActiveJobs(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[url]; ok {
		return st.ActiveJobs
	}
	return 0
}

// TotalActive returns the in-flight count across the whole pool.
func (t *Tracker) TotalActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, st := range t.status {
		n += st.ActiveJobs
	}
	return n
}

// AvgResponseMillis returns the smoothed response time for one backend.
// Zero means no completions observed yet.
func (t *Tracker) AvgResponseMillis(url string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.status[url]; ok {
		return st.AvgResponseMillis
	}
	return 0
}

// Snapshot returns a copy of every backend's status in configured order.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.urls))
	for _, u := range t.urls {
		out = append(out, *t.status[u])
	}
	return out
}
