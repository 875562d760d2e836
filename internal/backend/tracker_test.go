package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers version pings from a map; everything else is unused.
type fakeClient struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fakeClient) ChatCompletion(context.Context, string, json.RawMessage) (json.RawMessage, *backend.CompletionStats, error) {
	return nil, nil, errors.New("not used")
}
func (f *fakeClient) Tags(context.Context, string) ([]backend.ModelInfo, error) {
	return nil, errors.New("not used")
}
func (f *fakeClient) Ps(context.Context, string) ([]backend.LoadedModel, error) {
	return nil, errors.New("not used")
}
func (f *fakeClient) Version(_ context.Context, baseURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[baseURL] {
		return "", backend.ErrUnavailable
	}
	return "0.6.2", nil
}

func (f *fakeClient) setDown(url string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = map[string]bool{}
	}
	f.down[url] = down
}

func newTestTracker(urls ...string) (*backend.Tracker, *fakeClient) {
	fc := &fakeClient{}
	return backend.NewTracker(fc, urls, slog.New(slog.DiscardHandler)), fc
}

func TestTracker_StartsHealthy(t *testing.T) {
	tr, _ := newTestTracker("http://a", "http://b")
	assert.Equal(t, []string{"http://a", "http://b"}, tr.Healthy())
}

func TestTracker_HealthChecksDemoteAndRecover(t *testing.T) {
	tr, fc := newTestTracker("http://a", "http://b")
	fc.setDown("http://b", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.RunHealthChecks(ctx, 10*time.Millisecond, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h := tr.Healthy()
		return len(h) == 1 && h[0] == "http://a"
	}, time.Second, 5*time.Millisecond)

	fc.setDown("http://b", false)
	require.Eventually(t, func() bool {
		return len(tr.Healthy()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestTracker_ActiveCounters(t *testing.T) {
	tr, _ := newTestTracker("http://a", "http://b")

	tr.IncActive("http://a")
	tr.IncActive("http://a")
	tr.IncActive("http://b")
	assert.Equal(t, 2, tr.ActiveJobs("http://a"))
	assert.Equal(t, 3, tr.TotalActive())

	tr.DecActive("http://a")
	assert.Equal(t, 1, tr.ActiveJobs("http://a"))

	// never goes negative
	tr.DecActive("http://b")
	tr.DecActive("http://b")
	assert.Equal(t, 0, tr.ActiveJobs("http://b"))
}

func TestTracker_CompletionEMA(t *testing.T) {
	tr, _ := newTestTracker("http://a")

	tr.RecordCompletion("http://a", &backend.CompletionStats{
		Duration:        time.Second,
		TokensPerSecond: 40,
	})
	assert.Equal(t, 1000.0, tr.AvgResponseMillis("http://a"))

	tr.RecordCompletion("http://a", &backend.CompletionStats{
		Duration:        2 * time.Second,
		TokensPerSecond: 60,
	})
	// 0.3*2000 + 0.7*1000
	assert.InDelta(t, 1300.0, tr.AvgResponseMillis("http://a"), 0.01)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	// 0.3*60 + 0.7*40
	assert.InDelta(t, 46.0, snap[0].AvgTokensPerSecond, 0.01)
	assert.Equal(t, int64(2), snap[0].TotalCompleted)
}

func TestTracker_SnapshotOrderAndCopy(t *testing.T) {
	tr, _ := newTestTracker("http://b", "http://a")

	tr.RecordFailure("http://a")
	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "http://b", snap[0].URL)
	assert.Equal(t, "http://a", snap[1].URL)
	assert.Equal(t, int64(1), snap[1].TotalFailed)

	// mutating the copy must not touch the tracker
	snap[1].TotalFailed = 99
	assert.Equal(t, int64(1), tr.Snapshot()[1].TotalFailed)
}
