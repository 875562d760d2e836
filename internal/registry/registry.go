// Package registry maintains the merged model list across all backends so
// submissions can be validated without a round trip per request.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/inferq/internal/backend"
)

// Model is one entry in the merged registry, with the backends serving it.
type Model struct {
	Name     string   `json:"name"`
	Size     int64    `json:"size"`
	Backends []string `json:"backends"`
}

// tagLister is the slice of the backend client the registry needs.
type tagLister interface {
	Tags(ctx context.Context, baseURL string) ([]backend.ModelInfo, error)
}

// Registry caches the union of every backend's model list for a short TTL.
type Registry struct {
	client tagLister
	urls   []string
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	models    map[string]*Model
	fetchedAt time.Time
}

func New(client tagLister, urls []string, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		urls:   urls,
		ttl:    ttl,
		logger: logger,
	}
}

// Known reports whether any backend serves the model.
func (r *Registry) Known(ctx context.Context, name string) (bool, error) {
	models, err := r.Models(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Models returns the merged model list, refreshing when the cache is stale.
// A refresh that reaches no backend keeps serving the last good list.
func (r *Registry) Models(ctx context.Context) ([]Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.models == nil || time.Since(r.fetchedAt) > r.ttl {
		merged := r.fetch(ctx)
		if merged != nil || r.models == nil {
			r.models = merged
			r.fetchedAt = time.Now()
		}
	}

	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// fetch queries every backend and merges the results. Backends that fail are
// skipped; returns nil when none answered.
func (r *Registry) fetch(ctx context.Context) map[string]*Model {
	merged := make(map[string]*Model)
	anyOK := false

	for _, u := range r.urls {
		tags, err := r.client.Tags(ctx, u)
		if err != nil {
			r.logger.Warn("model list fetch failed", "backend", u, "error", err)
			continue
		}
		anyOK = true
		for _, tag := range tags {
			m, ok := merged[tag.Name]
			if !ok {
				m = &Model{Name: tag.Name, Size: tag.Size}
				merged[tag.Name] = m
			}
			m.Backends = append(m.Backends, u)
		}
	}

	if !anyOK {
		return nil
	}
	return merged
}
