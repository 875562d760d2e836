package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/api"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// stubKeyStore holds the keys the auth middleware may match against.
type stubKeyStore struct {
	keys []*models.APIKey
}

func (s *stubKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return s.keys, nil
}
func (s *stubKeyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

type stubCounter struct{}

func (c *stubCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func newTestRouter(t *testing.T, rawUserKey, rawAdminKey string) http.Handler {
	t.Helper()

	var keys []*models.APIKey
	for raw, role := range map[string]string{rawUserKey: models.RoleUser, rawAdminKey: models.RoleAdmin} {
		h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
		require.NoError(t, err)
		keys = append(keys, &models.APIKey{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			KeyHash:   string(h),
			KeyPrefix: raw[:8],
			Role:      role,
		})
	}

	return api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(&stubKeyStore{keys: keys}),
		RateLimit:     mw.NewRateLimit(&stubCounter{}, 60),
		HealthHandler: okHandler(),
		ListJobs:      okHandler(),
		GetJob:        okHandler(),
		AdminListJobs: okHandler(),
		GetStrategy:   okHandler(),
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter(t, "iq_user_1234567890", "iq_admin_1234567890")

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t, "iq_user_1234567890", "iq_admin_1234567890")

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs/chat/completions"},
		{"GET", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/events"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"DELETE", "/api/v1/jobs/" + uuid.NewString()},
		{"GET", "/api/v1/jobs/admin/list"},
		{"GET", "/api/v1/system/backends"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_AdminEndpoints_RejectUserRole(t *testing.T) {
	userKey := "iq_user_1234567890"
	router := newTestRouter(t, userKey, "iq_admin_1234567890")

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/jobs/admin/list"},
		{"POST", "/api/v1/jobs/" + uuid.NewString() + "/retry"},
		{"GET", "/api/v1/jobs/analytics"},
		{"GET", "/api/v1/jobs/archive"},
		{"POST", "/api/v1/jobs/archive/run"},
		{"GET", "/api/v1/system/metrics"},
		{"PUT", "/api/v1/system/lb-strategy"},
		{"GET", "/api/v1/system/snapshots"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			req.Header.Set("Authorization", "Bearer "+userKey)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}
}

func TestRouter_AdminEndpoints_AllowAdminRole(t *testing.T) {
	adminKey := "iq_admin_1234567890"
	router := newTestRouter(t, "iq_user_1234567890", adminKey)

	req := httptest.NewRequest("GET", "/api/v1/jobs/admin/list", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_UserEndpoint_AllowsUserRole(t *testing.T) {
	userKey := "iq_user_1234567890"
	router := newTestRouter(t, userKey, "iq_admin_1234567890")

	req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+userKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_StaticRoutesWinOverJobID(t *testing.T) {
	adminKey := "iq_admin_1234567890"
	router := newTestRouter(t, "iq_user_1234567890", adminKey)

	// "analytics" must not be captured as a job ID
	req := httptest.NewRequest("GET", "/api/v1/jobs/analytics", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t, "iq_user_1234567890", "iq_admin_1234567890")

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
