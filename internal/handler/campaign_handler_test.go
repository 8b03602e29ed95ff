package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/statesync"
)

type mockProgress struct{}

func (mockProgress) Progress(_ context.Context, id int64) (dispatch.Progress, error) {
	if id != 1 {
		return dispatch.Progress{}, appErrors.NewCampaignNotFound(id)
	}
	return dispatch.Progress{CampaignID: 1, Status: model.CampaignRunning, Total: 10, Sent: 4}, nil
}

func (mockProgress) EnhancedProgress(_ context.Context, id int64) (dispatch.EnhancedProgress, error) {
	p, err := mockProgress{}.Progress(context.Background(), id)
	return dispatch.EnhancedProgress{Progress: p, ElapsedMs: 60000, BatchSize: 10, BatchCount: 1}, err
}

func (mockProgress) LiveLoops() []dispatch.State {
	return []dispatch.State{{CampaignID: 1, Status: model.CampaignRunning, Active: true}}
}

type mockSync struct{ corrected int }

func (m *mockSync) Detect(context.Context) ([]statesync.Finding, error) {
	return []statesync.Finding{{CampaignID: 2, Kind: statesync.FindingOrphanRunning, StoredStatus: model.CampaignRunning}}, nil
}

func (m *mockSync) Correct(context.Context) (int, error) {
	m.corrected++
	return 1, nil
}

type mockErrors struct{ limit int }

func (m *mockErrors) ListErrorRecords(_ context.Context, campaignID int64, limit int) ([]model.ErrorRecord, error) {
	m.limit = limit
	rid := int64(11)
	return []model.ErrorRecord{
		{ID: 2, CampaignID: campaignID, RecipientID: &rid, ErrorType: "TIMEOUT", RetryCount: 3},
		{ID: 1, CampaignID: campaignID, ErrorType: "CIRCUIT_BREAKER"},
	}, nil
}

var errLog = &mockErrors{}

func serve(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := chi.NewRouter()
	(&handler.CampaignHandler{Service: mockProgress{}, Sync: &mockSync{}, Errors: errLog, Log: zerolog.Nop()}).Routes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestGetProgress(t *testing.T) {
	w, body := serve(t, http.MethodGet, "/campaigns/1/progress")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 10, body["total"])
	assert.EqualValues(t, 4, body["sent"])
	assert.NotContains(t, body, "elapsed_ms")

	w, body = serve(t, http.MethodGet, "/campaigns/1/progress?view=enhanced")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 10, body["total"])
	assert.EqualValues(t, 60000, body["elapsed_ms"])
	assert.EqualValues(t, 1, body["batch_count"])

	w, _ = serve(t, http.MethodGet, "/campaigns/9/progress")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncEndpoints(t *testing.T) {
	w, body := serve(t, http.MethodGet, "/sync/inconsistencies")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	findings := body["findings"].([]any)
	assert.Equal(t, "orphan_running", findings[0].(map[string]any)["kind"])

	w, body = serve(t, http.MethodPost, "/sync/correct")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["corrected"])
}

func TestHealth(t *testing.T) {
	w, body := serve(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["live_loops"])
}

func TestListErrors(t *testing.T) {
	w, body := serve(t, http.MethodGet, "/campaigns/3/errors")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["campaign_id"])
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, 50, errLog.limit)
	first := body["errors"].([]any)[0].(map[string]any)
	assert.Equal(t, "TIMEOUT", first["error_type"])

	serve(t, http.MethodGet, "/campaigns/3/errors?limit=100000")
	assert.Equal(t, 500, errLog.limit)

	r := chi.NewRouter()
	(&handler.CampaignHandler{Errors: errLog, Log: zerolog.Nop()}).Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns/3/errors?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
