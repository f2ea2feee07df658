package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/storage"
	"github.com/rushteam/riskrank/store"
)

func newTestServer(t *testing.T) (*echo.Echo, *PredictionService, core.ModelStorage) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := storage.NewObjectStorage(store.NewMemoryObjectStore(), "")
	svc := NewPredictionService(s,
		WithDefaultModelID("risk"),
		WithMetrics(NewMetrics(reg)),
		WithClock(func() time.Time { return serviceNow }),
	)
	return NewHTTPServer(svc, reg), svc, s
}

func do(e *echo.Echo, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHTTP_Predict(t *testing.T) {
	e, svc, s := newTestServer(t)
	reqBody, _ := json.Marshal(testRequest("dep-1"))

	rec := do(e, http.MethodPost, "/v1/risk", echo.MIMEApplicationJSON, string(reqBody))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, core.ErrorCodeModelNotReady, decodeError(t, rec).Status)

	saveVersion(t, s, "1.0.0", 1, serviceNow)
	require.NoError(t, svc.AutoLoad(context.Background()))

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		wantCode    int
	}{
		{"single", "/v1/risk", echo.MIMEApplicationJSON, string(reqBody), http.StatusOK},
		{"charset", "/v1/risk", echo.MIMEApplicationJSONCharsetUTF8, string(reqBody), http.StatusOK},
		{"wrong content type", "/v1/risk", echo.MIMETextPlain, string(reqBody), http.StatusUnsupportedMediaType},
		{"broken json", "/v1/risk", echo.MIMEApplicationJSON, "{", http.StatusBadRequest},
		{"no inputs", "/v1/risk", echo.MIMEApplicationJSON, `{"deployment_id":"x"}`, http.StatusBadRequest},
		{"batch", "/v1/risk/batch", echo.MIMEApplicationJSON, `{"requests":[` + string(reqBody) + `,{"deployment_id":"x"}]}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, tt.path, tt.contentType, tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				body := decodeError(t, rec)
				assert.NotEmpty(t, body.Error)
				assert.NotEmpty(t, body.Status)
			}
		})
	}

	rec = do(e, http.MethodPost, "/v1/risk/batch", echo.MIMEApplicationJSON, `{"requests":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorBody{Error: "can not understand the requested json", Status: core.ErrorCodeInvalidInput}, decodeError(t, rec))

	rec = do(e, http.MethodPost, "/v1/risk", echo.MIMEApplicationJSON, string(reqBody))
	var resp DeploymentRiskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dep-1", resp.DeploymentID)
	assert.Equal(t, "risk", resp.ModelID)

	rec = do(e, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "riskrank_prediction_predictions_total")
	assert.Contains(t, rec.Body.String(), `riskrank_prediction_errors_total{code="MODEL_NOT_READY"} 1`)
}

func TestHTTP_Models(t *testing.T) {
	e, _, s := newTestServer(t)

	rec := do(e, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","model_loaded":false}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/v1/models/current", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	saveVersion(t, s, "1.0.0", 1, serviceNow)

	rec = do(e, http.MethodPost, "/v1/models/reload", echo.MIMEApplicationJSON, `{"model_id":"risk","version":"7"}`)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, core.ErrorCodeNotFound, decodeError(t, rec).Status)

	rec = do(e, http.MethodPost, "/v1/models/reload", echo.MIMEApplicationJSON, `{"model_id":"risk"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ReloadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "1.0.0", result.NewVersion)

	rec = do(e, http.MethodGet, "/v1/models/current", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.0.0", info.Version)

	rec = do(e, http.MethodGet, "/v1/models?model_id=risk", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Models     []ModelSummary `json:"models"`
		TotalCount int            `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.TotalCount)
	assert.True(t, list.Models[0].Loaded)

	rec = do(e, http.MethodGet, "/v1/models?model_id=..", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}
