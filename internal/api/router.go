package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob http.HandlerFunc
	ListJobs  http.HandlerFunc
	JobEvents http.HandlerFunc
	GetJob    http.HandlerFunc
	CancelJob http.HandlerFunc

	RetryJob      http.HandlerFunc
	AdminListJobs http.HandlerFunc

	Analytics       http.HandlerFunc
	AnalyticsExport http.HandlerFunc

	ArchiveList   http.HandlerFunc
	ArchiveConfig http.HandlerFunc
	ArchiveRun    http.HandlerFunc

	SystemMetrics  http.HandlerFunc
	SystemBackends http.HandlerFunc
	GetStrategy    http.HandlerFunc
	SetStrategy    http.HandlerFunc
	Snapshots      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs/chat/completions", orNotImplemented(deps.SubmitJob))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/events", orNotImplemented(deps.JobEvents))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.CancelJob))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAdmin)

			r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))
			r.Get("/api/v1/jobs/admin/list", orNotImplemented(deps.AdminListJobs))

			r.Get("/api/v1/jobs/analytics", orNotImplemented(deps.Analytics))
			r.Get("/api/v1/jobs/analytics/export", orNotImplemented(deps.AnalyticsExport))

			r.Get("/api/v1/jobs/archive", orNotImplemented(deps.ArchiveList))
			r.Get("/api/v1/jobs/archive/config", orNotImplemented(deps.ArchiveConfig))
			r.Post("/api/v1/jobs/archive/run", orNotImplemented(deps.ArchiveRun))

			r.Get("/api/v1/system/metrics", orNotImplemented(deps.SystemMetrics))
			r.Get("/api/v1/system/backends", orNotImplemented(deps.SystemBackends))
			r.Get("/api/v1/system/lb-strategy", orNotImplemented(deps.GetStrategy))
			r.Put("/api/v1/system/lb-strategy", orNotImplemented(deps.SetStrategy))
			r.Get("/api/v1/system/snapshots", orNotImplemented(deps.Snapshots))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
