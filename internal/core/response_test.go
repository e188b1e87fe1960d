package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailburst/internal/types"
)

func TestJSONWritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"name": "spring-launch"}})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	dataMap, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "spring-launch", dataMap["name"])
}

func TestJSONMarshalFailureFallsBack(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-marshal-fail"))

	// Channels cannot be marshalled to JSON.
	JSON(w, r, http.StatusOK, make(chan int))

	resp := w.Result()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errResp APIErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), errResp.Error.Code)
	assert.Equal(t, "req-marshal-fail", errResp.Error.RequestID)
}

func TestErrorMapsAppErrorCode(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	Error(w, r, types.NewAppError(types.ErrCodeConflictInProgress, "campaign is already running", nil))

	resp := w.Result()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp APIErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, string(types.ErrCodeConflictInProgress), errResp.Error.Code)
	assert.Equal(t, "campaign is already running", errResp.Error.Message)
	assert.Equal(t, "req-1", errResp.Error.RequestID)
}

func TestErrorMapsWrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign not found", nil)
	Error(w, r, errors.Join(errors.New("handler context"), inner))

	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestErrorHidesGenericErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("pq: connection refused to 10.0.0.5"))

	resp := w.Result()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errResp APIErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), errResp.Error.Code)
	assert.NotContains(t, errResp.Error.Message, "10.0.0.5")
}

func TestDecodeJSONValid(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"batch_size": 50}`))

	var dst struct {
		BatchSize int `json:"batch_size"`
	}
	require.NoError(t, DecodeJSON(w, r, &dst))
	assert.Equal(t, 50, dst.BatchSize)
}

func TestDecodeJSONRejectsUnknownField(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"batch_size": 50, "bogus": true}`))

	var dst struct {
		BatchSize int `json:"batch_size"`
	}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Contains(t, appErr.Message, "bogus")
}

func TestDecodeJSONRejectsEmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	assert.Contains(t, appErr.Message, "empty")
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"batch_size":`))

	var dst struct {
		BatchSize int `json:"batch_size"`
	}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, err.(*types.AppError).HTTPStatus())
}

func TestDecodeJSONTypeMismatchCarriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"batch_size": "fifty"}`))

	var dst struct {
		BatchSize int `json:"batch_size"`
	}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "batch_size", appErr.Details["field"])
}

func TestDecodeJSONRejectsTrailingValue(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{} {}`))

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single JSON object")
}
