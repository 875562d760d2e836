package registry_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTagLister struct {
	mu    sync.Mutex
	tags  map[string][]backend.ModelInfo
	calls int
}

func (f *fakeTagLister) Tags(_ context.Context, baseURL string) ([]backend.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	tags, ok := f.tags[baseURL]
	if !ok {
		return nil, backend.ErrUnavailable
	}
	return tags, nil
}

func (f *fakeTagLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRegistry_MergesAcrossBackends(t *testing.T) {
	fc := &fakeTagLister{tags: map[string][]backend.ModelInfo{
		"http://a": {{Name: "llama3:8b", Size: 100}, {Name: "mistral:7b", Size: 200}},
		"http://b": {{Name: "llama3:8b", Size: 100}},
	}}
	r := registry.New(fc, []string{"http://a", "http://b"}, time.Minute, slog.New(slog.DiscardHandler))

	models, err := r.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "llama3:8b", models[0].Name)
	assert.Equal(t, []string{"http://a", "http://b"}, models[0].Backends)
	assert.Equal(t, "mistral:7b", models[1].Name)
	assert.Equal(t, []string{"http://a"}, models[1].Backends)
}

func TestRegistry_Known(t *testing.T) {
	fc := &fakeTagLister{tags: map[string][]backend.ModelInfo{
		"http://a": {{Name: "llama3:8b"}},
	}}
	r := registry.New(fc, []string{"http://a"}, time.Minute, slog.New(slog.DiscardHandler))

	known, err := r.Known(context.Background(), "llama3:8b")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = r.Known(context.Background(), "gpt-nonexistent")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestRegistry_CachesWithinTTL(t *testing.T) {
	fc := &fakeTagLister{tags: map[string][]backend.ModelInfo{
		"http://a": {{Name: "llama3:8b"}},
	}}
	r := registry.New(fc, []string{"http://a"}, time.Minute, slog.New(slog.DiscardHandler))

	_, err := r.Models(context.Background())
	require.NoError(t, err)
	_, err = r.Models(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, fc.callCount())
}

func TestRegistry_RefreshesAfterTTL(t *testing.T) {
	fc := &fakeTagLister{tags: map[string][]backend.ModelInfo{
		"http://a": {{Name: "llama3:8b"}},
	}}
	r := registry.New(fc, []string{"http://a"}, time.Millisecond, slog.New(slog.DiscardHandler))

	_, err := r.Models(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Models(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fc.callCount())
}

func TestRegistry_KeepsLastGoodListWhenAllBackendsFail(t *testing.T) {
	fc := &fakeTagLister{tags: map[string][]backend.ModelInfo{
		"http://a": {{Name: "llama3:8b"}},
	}}
	r := registry.New(fc, []string{"http://a"}, time.Millisecond, slog.New(slog.DiscardHandler))

	models, err := r.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)

	// backend goes dark; the stale list keeps serving
	fc.mu.Lock()
	fc.tags = map[string][]backend.ModelInfo{}
	fc.mu.Unlock()
	time.Sleep(5 * time.Millisecond)

	models, err = r.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 1)
}
