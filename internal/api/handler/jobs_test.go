package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/notifier"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobStore struct {
	jobs    map[uuid.UUID]*models.Job
	created []*models.Job

	listFilter store.JobFilter
	listJobs   []*models.Job
	listTotal  int

	cancelChanged bool
	retryErr      error
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *models.Job) error {
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	f.listFilter = filter
	return f.listJobs, f.listTotal, nil
}

func (f *fakeJobStore) CancelJob(_ context.Context, _ uuid.UUID) (bool, error) {
	return f.cancelChanged, nil
}

func (f *fakeJobStore) RetryJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	cp.Status = models.JobStatusQueued
	return &cp, nil
}

type fakeRegistry struct {
	known map[string]bool
}

func (f *fakeRegistry) Known(_ context.Context, name string) (bool, error) {
	return f.known[name], nil
}

type fakeResultCache struct {
	payloads    map[uuid.UUID][]byte
	sets        int
	invalidated []uuid.UUID
}

func (f *fakeResultCache) GetJobResult(_ context.Context, id uuid.UUID) ([]byte, bool, error) {
	p, ok := f.payloads[id]
	return p, ok, nil
}

func (f *fakeResultCache) SetJobResult(_ context.Context, id uuid.UUID, payload []byte) error {
	if f.payloads == nil {
		f.payloads = map[uuid.UUID][]byte{}
	}
	f.payloads[id] = payload
	f.sets++
	return nil
}

func (f *fakeResultCache) InvalidateJobResult(_ context.Context, id uuid.UUID) error {
	f.invalidated = append(f.invalidated, id)
	delete(f.payloads, id)
	return nil
}

type fakePublisher struct {
	events []notifier.Event
}

func (f *fakePublisher) Publish(_ uuid.UUID, ev notifier.Event) {
	f.events = append(f.events, ev)
}

// --- helpers ---

func authedRequest(method, target string, body string, id mw.Identity) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(mw.WithIdentity(req.Context(), id))
}

func withJobID(req *http.Request, jobID uuid.UUID) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "expected data envelope, got %s", w.Body.String())
	return data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return errObj["code"].(string)
}

func userIdentity() mw.Identity {
	return mw.Identity{UserID: uuid.New(), Role: models.RoleUser, JobPriority: 7, KeyPrefix: "iq_user_"}
}

func adminIdentity() mw.Identity {
	return mw.Identity{UserID: uuid.New(), Role: models.RoleAdmin, JobPriority: 9, KeyPrefix: "iq_admin"}
}

func storedJob(userID uuid.UUID, status string) *models.Job {
	return &models.Job{
		ID:      uuid.New(),
		UserID:  userID,
		Status:  status,
		ModelID: "llama3:8b",
		Result:  json.RawMessage(`{"message":{"content":"hi"}}`),
	}
}

// ========================================
// Submit
// ========================================

func TestSubmitJob_Accepted(t *testing.T) {
	st := &fakeJobStore{}
	h := handler.NewSubmitJobHandler(st, &fakeRegistry{known: map[string]bool{"llama3:8b": true}}, 3)

	id := userIdentity()
	body := `{"model":"llama3:8b","messages":[{"role":"user","content":"hello"}]}`
	w := httptest.NewRecorder()
	h(w, authedRequest("POST", "/api/v1/jobs/chat/completions", body, id))

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, st.created, 1)

	job := st.created[0]
	assert.Equal(t, id.UserID, job.UserID)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, float64(7), job.PriorityScore)
	assert.Equal(t, "llama3:8b", job.ModelID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, body, string(job.Request))

	data := decodeData(t, w)
	assert.Equal(t, models.JobStatusQueued, data["status"])
}

func TestSubmitJob_UnknownModel(t *testing.T) {
	h := handler.NewSubmitJobHandler(&fakeJobStore{}, &fakeRegistry{}, 3)

	body := `{"model":"nope:1b","messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	h(w, authedRequest("POST", "/", body, userIdentity()))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MODEL_NOT_FOUND", errCode(t, w))
}

func TestSubmitJob_Validation(t *testing.T) {
	h := handler.NewSubmitJobHandler(&fakeJobStore{}, &fakeRegistry{known: map[string]bool{"llama3:8b": true}}, 3)

	cases := map[string]string{
		"invalid json":     `{`,
		"missing model":    `{"messages":[{"role":"user","content":"hi"}]}`,
		"missing messages": `{"model":"llama3:8b"}`,
		"empty messages":   `{"model":"llama3:8b","messages":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h(w, authedRequest("POST", "/", body, userIdentity()))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitJob_DefaultsPriorityWhenUnset(t *testing.T) {
	st := &fakeJobStore{}
	h := handler.NewSubmitJobHandler(st, &fakeRegistry{known: map[string]bool{"llama3:8b": true}}, 3)

	id := userIdentity()
	id.JobPriority = 0
	body := `{"model":"llama3:8b","messages":[{"role":"user","content":"hi"}]}`
	w := httptest.NewRecorder()
	h(w, authedRequest("POST", "/", body, id))

	require.Len(t, st.created, 1)
	assert.Equal(t, models.DefaultPriority, st.created[0].Priority)
}

// ========================================
// Get
// ========================================

func TestGetJob_OwnerSeesResult(t *testing.T) {
	id := userIdentity()
	job := storedJob(id.UserID, models.JobStatusCompleted)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	cache := &fakeResultCache{}
	h := handler.NewGetJobHandler(st, cache)

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/api/v1/jobs/"+job.ID.String(), "", id), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, models.JobStatusCompleted, data["status"])
	assert.NotNil(t, data["result"])

	// terminal job got cached for the next poll
	assert.Equal(t, 1, cache.sets)
}

func TestGetJob_ExcludeResult(t *testing.T) {
	id := userIdentity()
	job := storedJob(id.UserID, models.JobStatusCompleted)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	h := handler.NewGetJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/j?include_result=false", "", id), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	_, hasResult := data["result"]
	assert.False(t, hasResult)
}

func TestGetJob_ServedFromCache(t *testing.T) {
	id := userIdentity()
	job := storedJob(id.UserID, models.JobStatusCompleted)
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	// the store has no such job; only the cache does
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
	cache := &fakeResultCache{payloads: map[uuid.UUID][]byte{job.ID: payload}}
	h := handler.NewGetJobHandler(st, cache)

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/j", "", id), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, job.ID.String(), data["id"])
}

func TestGetJob_ForeignJobForbidden(t *testing.T) {
	job := storedJob(uuid.New(), models.JobStatusRunning)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	h := handler.NewGetJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/j", "", userIdentity()), job.ID))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errCode(t, w))
}

func TestGetJob_AdminSeesForeignJob(t *testing.T) {
	job := storedJob(uuid.New(), models.JobStatusRunning)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	h := handler.NewGetJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/j", "", adminIdentity()), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
	h := handler.NewGetJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("GET", "/j", "", userIdentity()), uuid.New()))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errCode(t, w))
}

func TestGetJob_BadUUID(t *testing.T) {
	h := handler.NewGetJobHandler(&fakeJobStore{}, &fakeResultCache{})

	req := authedRequest("GET", "/j", "", userIdentity())
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", "not-a-uuid")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ========================================
// List
// ========================================

func TestListJobs_ScopedToCaller(t *testing.T) {
	id := userIdentity()
	st := &fakeJobStore{listJobs: []*models.Job{storedJob(id.UserID, models.JobStatusQueued)}, listTotal: 1}
	h := handler.NewListJobsHandler(st)

	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs?status=queued&model_id=llama3:8b", "", id))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.UserID, st.listFilter.UserID)
	assert.Equal(t, models.JobStatusQueued, st.listFilter.Status)
	assert.Equal(t, "llama3:8b", st.listFilter.ModelID)
}

func TestListJobs_RejectsOutOfRangeLimit(t *testing.T) {
	h := handler.NewListJobsHandler(&fakeJobStore{})

	for _, limit := range []string{"9999", "201", "0", "-1", "abc"} {
		t.Run("limit="+limit, func(t *testing.T) {
			w := httptest.NewRecorder()
			h(w, authedRequest("GET", "/api/v1/jobs?limit="+limit, "", userIdentity()))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errCode(t, w))
		})
	}
}

func TestListJobs_MaxLimitAccepted(t *testing.T) {
	st := &fakeJobStore{listTotal: 1000}
	h := handler.NewListJobsHandler(st)

	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs?limit=200", "", userIdentity()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.MaxPageSize, st.listFilter.Limit)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(store.MaxPageSize), meta["limit"])
	assert.Equal(t, true, meta["has_next"])
}

func TestListJobs_DefaultLimitWhenOmitted(t *testing.T) {
	st := &fakeJobStore{}
	h := handler.NewListJobsHandler(st)

	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs", "", userIdentity()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.DefaultPageSize, st.listFilter.Limit)
}

func TestListJobs_InvalidStatus(t *testing.T) {
	h := handler.NewListJobsHandler(&fakeJobStore{})

	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs?status=bogus", "", userIdentity()))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListJobs_UserFilter(t *testing.T) {
	st := &fakeJobStore{}
	h := handler.NewAdminListJobsHandler(st)

	target := uuid.New()
	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs/admin/list?user_id="+target.String(), "", adminIdentity()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, target, st.listFilter.UserID)
}

func TestAdminListJobs_NoFilterSeesAll(t *testing.T) {
	st := &fakeJobStore{}
	h := handler.NewAdminListJobsHandler(st)

	w := httptest.NewRecorder()
	h(w, authedRequest("GET", "/api/v1/jobs/admin/list", "", adminIdentity()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uuid.Nil, st.listFilter.UserID)
}

// ========================================
// Cancel
// ========================================

func TestCancelJob_CancelsAndPublishes(t *testing.T) {
	id := userIdentity()
	job := storedJob(id.UserID, models.JobStatusRunning)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}, cancelChanged: true}
	cache := &fakeResultCache{}
	pub := &fakePublisher{}
	h := handler.NewCancelJobHandler(st, cache, pub)

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("DELETE", "/j", "", id), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, models.JobStatusCancelled, data["status"])
	assert.Equal(t, true, data["cancelled"])

	assert.Contains(t, cache.invalidated, job.ID)
	require.Len(t, pub.events, 1)
	assert.Equal(t, models.JobStatusCancelled, pub.events[0].Status)
}

func TestCancelJob_IdempotentOnTerminal(t *testing.T) {
	id := userIdentity()
	job := storedJob(id.UserID, models.JobStatusCompleted)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}, cancelChanged: false}
	pub := &fakePublisher{}
	h := handler.NewCancelJobHandler(st, &fakeResultCache{}, pub)

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("DELETE", "/j", "", id), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, models.JobStatusCompleted, data["status"])
	assert.Equal(t, false, data["cancelled"])
	assert.Empty(t, pub.events)
}

func TestCancelJob_ForeignJobForbidden(t *testing.T) {
	job := storedJob(uuid.New(), models.JobStatusQueued)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	h := handler.NewCancelJobHandler(st, &fakeResultCache{}, &fakePublisher{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("DELETE", "/j", "", userIdentity()), job.ID))

	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ========================================
// Retry
// ========================================

func TestRetryJob_Requeues(t *testing.T) {
	job := storedJob(uuid.New(), models.JobStatusFailed)
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{job.ID: job}}
	cache := &fakeResultCache{}
	h := handler.NewRetryJobHandler(st, cache)

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("POST", "/j/retry", "", adminIdentity()), job.ID))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, models.JobStatusQueued, data["status"])
	assert.Contains(t, cache.invalidated, job.ID)
}

func TestRetryJob_ConflictOnNonTerminal(t *testing.T) {
	st := &fakeJobStore{retryErr: store.ErrConflict}
	h := handler.NewRetryJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("POST", "/j/retry", "", adminIdentity()), uuid.New()))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", errCode(t, w))
}

func TestRetryJob_NotFound(t *testing.T) {
	st := &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
	h := handler.NewRetryJobHandler(st, &fakeResultCache{})

	w := httptest.NewRecorder()
	h(w, withJobID(authedRequest("POST", "/j/retry", "", adminIdentity()), uuid.New()))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
