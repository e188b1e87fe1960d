package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailburst/internal/dispatch"
	"mailburst/internal/types"
)

type mockService struct {
	startResult *dispatch.RunResult
	startErr    error
	resetErr    error
	scheduleErr error

	startedID    string
	resetID      string
	scheduledID  string
	scheduledFor time.Time
}

func (m *mockService) Start(_ context.Context, id string) (*dispatch.RunResult, error) {
	m.startedID = id
	return m.startResult, m.startErr
}

func (m *mockService) Reset(_ context.Context, id string) error {
	m.resetID = id
	return m.resetErr
}

func (m *mockService) Schedule(_ context.Context, id string, at time.Time) error {
	m.scheduledID = id
	m.scheduledFor = at
	return m.scheduleErr
}

type mockRunner struct {
	result *dispatch.RunResult
	err    error
	ranID  string
	opts   dispatch.RunOptions
	calls  int
}

func (m *mockRunner) Run(_ context.Context, id string, opts dispatch.RunOptions) (*dispatch.RunResult, error) {
	m.calls++
	m.ranID = id
	m.opts = opts
	return m.result, m.err
}

type mockReader struct {
	campaign *types.Campaign
	counts   types.CampaignCounts
	getErr   error
}

func (m *mockReader) GetByID(_ context.Context, id string) (*types.Campaign, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.campaign, nil
}

func (m *mockReader) CountByCampaign(_ context.Context, _ string) (types.CampaignCounts, error) {
	return m.counts, nil
}

func newHandler(svc *mockService, runner *mockRunner, reader *mockReader) *CampaignHandler {
	return NewCampaignHandler(svc, runner, reader, reader, nil)
}

func newTestRouter(h *CampaignHandler) *chi.Mux {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, router *chi.Mux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartReturnsRunSummary(t *testing.T) {
	svc := &mockService{startResult: &dispatch.RunResult{
		Status:    types.CampaignCompleted,
		Processed: 120,
		Sent:      118,
		Failed:    2,
	}}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-1/start", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cmp-1", svc.startedID)

	var body struct {
		Data RunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "completed", body.Data.Status)
	assert.Equal(t, 120, body.Data.Processed)
	assert.Equal(t, 2, body.Data.Failed)
}

func TestStartConflictMapsTo409(t *testing.T) {
	svc := &mockService{startErr: types.NewAppError(types.ErrCodeConflictInProgress,
		"campaign cmp-1 is already running", nil)}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-1/start", "")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrCodeConflictInProgress))
}

func TestStartGenericErrorMapsTo500(t *testing.T) {
	svc := &mockService{startErr: errors.New("pool exhausted")}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-1/start", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pool exhausted")
}

func TestResetReturnsDraftStatus(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-2/reset", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cmp-2", svc.resetID)
	assert.Contains(t, w.Body.String(), `"draft"`)
}

func TestScheduleAccepted(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	body := `{"time": "` + at.Format(time.RFC3339) + `"}`
	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-3/schedule", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "cmp-3", svc.scheduledID)
	assert.True(t, svc.scheduledFor.Equal(at))
}

func TestScheduleMissingTimeRejected(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-3/schedule", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.scheduledID)
}

func TestScheduleMalformedBodyRejected(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-3/schedule", `{"time":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_invalid_json")
}

func TestSchedulePastTimeMapsTo400(t *testing.T) {
	svc := &mockService{scheduleErr: types.NewAppError(types.ErrCodeValidationScheduleTime,
		"scheduled time must be in the future", nil)}
	router := newTestRouter(newHandler(svc, &mockRunner{}, &mockReader{}))

	body := `{"time": "2020-01-01T00:00:00Z"}`
	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-3/schedule", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrCodeValidationScheduleTime))
}

func TestDispatchWithoutBodyUsesDefaults(t *testing.T) {
	runner := &mockRunner{result: &dispatch.RunResult{Status: types.CampaignCompleted}}
	router := newTestRouter(newHandler(&mockService{}, runner, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-4/dispatch", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cmp-4", runner.ranID)
	assert.Equal(t, dispatch.RunOptions{}, runner.opts)
}

func TestDispatchPassesOptions(t *testing.T) {
	runner := &mockRunner{result: &dispatch.RunResult{
		Status: types.CampaignSegmented,
		Cursor: 800,
	}}
	router := newTestRouter(newHandler(&mockService{}, runner, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-5/dispatch",
		`{"batch_size": 50, "start_index": 800}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dispatch.RunOptions{BatchSize: 50, StartIndex: 800}, runner.opts)

	var body struct {
		Data RunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "segmented", body.Data.Status)
	assert.Equal(t, 800, body.Data.Cursor)
}

func TestDispatchRejectsOversizedBatch(t *testing.T) {
	runner := &mockRunner{}
	router := newTestRouter(newHandler(&mockService{}, runner, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-5/dispatch",
		`{"batch_size": 5000}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrCodeValidationBatchSize))
	assert.Zero(t, runner.calls)
}

func TestDispatchRejectsNegativeStartIndex(t *testing.T) {
	runner := &mockRunner{}
	router := newTestRouter(newHandler(&mockService{}, runner, &mockReader{}))

	w := doRequest(t, router, http.MethodPost, "/campaigns/cmp-5/dispatch",
		`{"start_index": -1}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, runner.calls)
}

func TestGetReturnsCampaignWithCounts(t *testing.T) {
	reader := &mockReader{
		campaign: &types.Campaign{
			ID:     "cmp-6",
			Name:   "spring-launch",
			Status: types.CampaignInProgress,
		},
		counts: types.CampaignCounts{Total: 1500, Pending: 700, Sent: 790, Failed: 10},
	}
	router := newTestRouter(newHandler(&mockService{}, &mockRunner{}, reader))

	w := doRequest(t, router, http.MethodGet, "/campaigns/cmp-6", "")

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			ID     string                 `json:"id"`
			Status string                 `json:"status"`
			Counts CampaignCountsResponse `json:"counts"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "cmp-6", body.Data.ID)
	assert.Equal(t, "in_progress", body.Data.Status)
	assert.Equal(t, 1500, body.Data.Counts.Total)
	assert.Equal(t, 700, body.Data.Counts.Pending)
}

func TestGetUnknownCampaignMapsTo404(t *testing.T) {
	reader := &mockReader{getErr: types.NewAppError(types.ErrCodeNotFoundCampaign,
		"campaign not found", nil)}
	router := newTestRouter(newHandler(&mockService{}, &mockRunner{}, reader))

	w := doRequest(t, router, http.MethodGet, "/campaigns/missing", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrCodeNotFoundCampaign))
}
