package handler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/inferq/internal/analytics"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	"github.com/stretchr/testify/assert"
)

type fakeAnalytics struct {
	summary  *analytics.Summary
	csv      string
	combined []bool
}

func (f *fakeAnalytics) Summarize(_ context.Context, combined bool) (*analytics.Summary, error) {
	f.combined = append(f.combined, combined)
	return f.summary, nil
}

func (f *fakeAnalytics) ExportCSV(_ context.Context, w io.Writer, combined bool) error {
	f.combined = append(f.combined, combined)
	_, err := io.WriteString(w, f.csv)
	return err
}

func TestAnalytics_DefaultsToActiveOnly(t *testing.T) {
	svc := &fakeAnalytics{summary: &analytics.Summary{TotalJobs: 9, SuccessRate: 0.75}}
	h := handler.NewAnalyticsHandler(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/jobs/analytics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(9), data["total_jobs"])
	assert.Equal(t, 0.75, data["success_rate"])
	assert.Equal(t, []bool{false}, svc.combined)
}

func TestAnalytics_CombinedFlag(t *testing.T) {
	svc := &fakeAnalytics{summary: &analytics.Summary{Combined: true}}
	h := handler.NewAnalyticsHandler(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/jobs/analytics?combined=true", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{true}, svc.combined)
}

func TestAnalyticsExport_StreamsCSV(t *testing.T) {
	svc := &fakeAnalytics{csv: "date,total\n2026-08-27,4\n"}
	h := handler.NewAnalyticsExportHandler(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/v1/jobs/analytics/export", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "2026-08-27,4")
}
