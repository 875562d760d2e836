package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/notifier"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// maxRequestBody bounds submitted chat payloads to 1 MiB.
const maxRequestBody = 1 << 20

// JobStore is the slice of the store the job handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// ModelChecker validates submitted model names against the live registry.
type ModelChecker interface {
	Known(ctx context.Context, name string) (bool, error)
}

// ResultCache is the slice of the cache the job handlers need.
type ResultCache interface {
	GetJobResult(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error)
	SetJobResult(ctx context.Context, jobID uuid.UUID, payload []byte) error
	InvalidateJobResult(ctx context.Context, jobID uuid.UUID) error
}

// EventPublisher pushes lifecycle events to the owning user.
type EventPublisher interface {
	Publish(userID uuid.UUID, ev notifier.Event)
}

// NewSubmitJobHandler returns the handler for POST /api/v1/jobs/chat/completions.
// The request body is stored verbatim and replayed against a backend later;
// the submitter only ever gets the 202 acknowledgement.
func NewSubmitJobHandler(st JobStore, registry ModelChecker, maxAttempts int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body", nil)
			return
		}
		if len(body) > maxRequestBody {
			response.Error(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body exceeds 1 MiB", nil)
			return
		}

		var req struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Model == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "model is required", nil)
			return
		}
		if len(req.Messages) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "messages must not be empty", nil)
			return
		}

		known, err := registry.Known(r.Context(), req.Model)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to validate model", nil)
			return
		}
		if !known {
			response.Error(w, http.StatusNotFound, "MODEL_NOT_FOUND",
				"No backend serves the requested model", map[string]string{"model": req.Model})
			return
		}

		priority := id.JobPriority
		if priority < 1 || priority > 10 {
			priority = models.DefaultPriority
		}

		now := time.Now().Unix()
		job := &models.Job{
			ID:            uuid.New(),
			UserID:        id.UserID,
			Status:        models.JobStatusQueued,
			Priority:      priority,
			PriorityScore: float64(priority),
			ModelID:       req.Model,
			Request:       body,
			MaxAttempts:   maxAttempts,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := st.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		response.Accepted(w, job)
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs. Callers only
// ever see their own jobs here.
func NewListJobsHandler(st JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		filter, err := jobFilterFromQuery(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		filter.UserID = id.UserID

		listJobs(w, r, st, filter)
	}
}

// NewAdminListJobsHandler returns the handler for GET /api/v1/jobs/admin/list:
// all users' jobs, optionally narrowed with ?user_id.
func NewAdminListJobsHandler(st JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := jobFilterFromQuery(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if raw := r.URL.Query().Get("user_id"); raw != "" {
			uid, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a valid UUID", nil)
				return
			}
			filter.UserID = uid
		}

		listJobs(w, r, st, filter)
	}
}

func listJobs(w http.ResponseWriter, r *http.Request, st JobStore, filter store.JobFilter) {
	filter.NormalizePage()

	jobs, total, err := st.ListJobs(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	response.Collection(w, jobs, response.NewPaginationMeta(filter.Skip, filter.Limit, total))
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}. Terminal
// jobs are served through a short-lived cache so tight polling loops do not
// hammer Postgres. ?include_result=false strips the result payload.
func NewGetJobHandler(st JobStore, cache ResultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		includeResult := r.URL.Query().Get("include_result") != "false"

		if includeResult {
			if payload, found, err := cache.GetJobResult(r.Context(), jobID); err == nil && found {
				var job models.Job
				if json.Unmarshal(payload, &job) == nil {
					if !authorizeJobAccess(w, id, &job) {
						return
					}
					response.JSON(w, &job)
					return
				}
			}
		}

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			writeJobStoreError(w, err)
			return
		}
		if !authorizeJobAccess(w, id, job) {
			return
		}

		if models.IsTerminal(job.Status) {
			if payload, err := json.Marshal(job); err == nil {
				// best effort; a cold cache just means another DB read
				cache.SetJobResult(r.Context(), jobID, payload)
			}
		}

		if !includeResult {
			stripped := *job
			stripped.Result = nil
			job = &stripped
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/jobs/{jobID}.
// Cancelling an already-terminal job is a no-op that reports current state.
func NewCancelJobHandler(st JobStore, cache ResultCache, events EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			writeJobStoreError(w, err)
			return
		}
		if !authorizeJobAccess(w, id, job) {
			return
		}

		changed, err := st.CancelJob(r.Context(), jobID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			return
		}

		if changed {
			job.Status = models.JobStatusCancelled
			cache.InvalidateJobResult(r.Context(), jobID)
			events.Publish(job.UserID, notifier.Event{
				JobID:     jobID,
				Status:    models.JobStatusCancelled,
				UpdatedAt: time.Now().Unix(),
			})
		}

		response.JSON(w, map[string]any{
			"id":        jobID,
			"status":    job.Status,
			"cancelled": changed,
		})
	}
}

// NewRetryJobHandler returns the handler for POST /api/v1/jobs/{jobID}/retry.
// Admin-only; the job must be failed or cancelled. Re-queueing is not a
// terminal transition, so no event is published; subscribers hear about the
// retried job when it reaches its next terminal state.
func NewRetryJobHandler(st JobStore, cache ResultCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := st.RetryJob(r.Context(), jobID)
		if errors.Is(err, store.ErrConflict) {
			response.Error(w, http.StatusConflict, "CONFLICT",
				"Only failed or cancelled jobs can be retried", nil)
			return
		}
		if err != nil {
			writeJobStoreError(w, err)
			return
		}

		cache.InvalidateJobResult(r.Context(), jobID)

		response.JSON(w, job)
	}
}

// authorizeJobAccess rejects non-admin callers reading someone else's job.
func authorizeJobAccess(w http.ResponseWriter, id mw.Identity, job *models.Job) bool {
	if job.UserID != id.UserID && !id.IsAdmin() {
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "You do not own this job", nil)
		return false
	}
	return true
}

func writeJobStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
		return
	}
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// jobFilterFromQuery parses the shared list query parameters.
func jobFilterFromQuery(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	var filter store.JobFilter

	if status := q.Get("status"); status != "" {
		if !models.ValidStatus(status) {
			return filter, errors.New("status must be one of queued, running, completed, failed, cancelled")
		}
		filter.Status = status
	}
	filter.ModelID = q.Get("model_id")

	var err error
	if filter.Skip, err = intQuery(q.Get("skip"), 0); err != nil {
		return filter, errors.New("skip must be a non-negative integer")
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxPageSize {
			return filter, errors.New("limit must be between 1 and 200")
		}
		filter.Limit = n
	}
	return filter, nil
}

func intQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
