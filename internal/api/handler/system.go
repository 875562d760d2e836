package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/backend"
	"github.com/kiranshivaraju/inferq/internal/balancer"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// BackendPool is the slice of the tracker the system handlers read.
type BackendPool interface {
	Snapshot() []backend.Status
}

// PsClient lists the models currently loaded on one backend.
type PsClient interface {
	Ps(ctx context.Context, baseURL string) ([]backend.LoadedModel, error)
}

// StrategySelector reads and writes the active load-balancing strategy.
type StrategySelector interface {
	Strategy(ctx context.Context) string
	SetStrategy(ctx context.Context, name string) error
}

// SnapshotReader lists stored telemetry snapshots.
type SnapshotReader interface {
	ListSnapshots(ctx context.Context, filter store.SnapshotFilter) ([]*models.BackendSnapshot, error)
}

// Pinger is anything with a liveness probe (Postgres pool, Redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewSystemMetricsHandler returns the handler for GET /api/v1/system/metrics:
// host CPU/RAM plus per-backend health and loaded models.
func NewSystemMetricsHandler(pool BackendPool, ps PsClient) http.HandlerFunc {
	type backendMetrics struct {
		backend.Status
		LoadedModels []backend.LoadedModel `json:"loaded_models,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"captured_at": time.Now().Unix()}

		if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
			out["cpu_percent"] = percents[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
			out["ram_percent"] = vm.UsedPercent
		}

		var backends []backendMetrics
		for _, st := range pool.Snapshot() {
			bm := backendMetrics{Status: st}
			if st.Healthy {
				if loaded, err := ps.Ps(r.Context(), st.URL); err == nil {
					bm.LoadedModels = loaded
				}
			}
			backends = append(backends, bm)
		}
		out["backends"] = backends

		response.JSON(w, out)
	}
}

// NewBackendsHandler returns the handler for GET /api/v1/system/backends.
func NewBackendsHandler(pool BackendPool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, pool.Snapshot())
	}
}

// NewGetStrategyHandler returns the handler for GET /api/v1/system/lb-strategy.
func NewGetStrategyHandler(sel StrategySelector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, map[string]string{"strategy": sel.Strategy(r.Context())})
	}
}

// NewSetStrategyHandler returns the handler for PUT /api/v1/system/lb-strategy.
func NewSetStrategyHandler(sel StrategySelector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := sel.SetStrategy(r.Context(), req.Strategy); err != nil {
			if errors.Is(err, balancer.ErrUnknownStrategy) {
				response.Error(w, http.StatusUnprocessableEntity, "INVALID_STRATEGY",
					"strategy must be one of least_connections, round_robin, fastest",
					map[string]string{"strategy": req.Strategy})
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to persist strategy", nil)
			return
		}

		response.JSON(w, map[string]string{"strategy": req.Strategy})
	}
}

// NewSnapshotsHandler returns the handler for GET /api/v1/system/snapshots.
func NewSnapshotsHandler(st SnapshotReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.SnapshotFilter{BackendURL: q.Get("backend_url")}

		if raw := q.Get("since"); raw != "" {
			since, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be epoch seconds", nil)
				return
			}
			filter.Since = since
		}
		if raw := q.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 || limit > store.MaxPageSize {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", nil)
				return
			}
			filter.Limit = limit
		}

		snaps, err := st.ListSnapshots(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list snapshots", nil)
			return
		}
		if snaps == nil {
			snaps = []*models.BackendSnapshot{}
		}
		response.JSON(w, snaps)
	}
}

// NewHealthHandler returns the handler for GET /api/v1/health. The service is
// degraded, not down, when a dependency fails its probe.
func NewHealthHandler(db Pinger, kv Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := "ok"

		if err := db.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			status = "degraded"
		}
		if err := kv.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			status = "degraded"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": checks,
			"time":   time.Now().Unix(),
		})
	}
}
