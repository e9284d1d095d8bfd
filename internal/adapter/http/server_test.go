package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/relay-map-etl/internal/pipeline"
)

type fakeStatus struct {
	ready   bool
	summary pipeline.Summary
}

func (f *fakeStatus) CheckReadiness(context.Context) error {
	if !f.ready {
		return errors.New("no date has been processed yet")
	}
	return nil
}

func (f *fakeStatus) Progress() pipeline.Summary { return f.summary }

func testServer(status *fakeStatus) *Server {
	return NewServer(":0", status, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServer_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer(&fakeStatus{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	status := &fakeStatus{}
	srv := testServer(status)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status.ready = true
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Statusz(t *testing.T) {
	status := &fakeStatus{summary: pipeline.Summary{
		Processed: 3,
		Skipped:   1,
		Failed:    1,
		Failures:  map[string]string{"2024-03-05": "relay snapshot unavailable"},
	}}

	rec := httptest.NewRecorder()
	testServer(status).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Processed int               `json:"processed"`
		Skipped   int               `json:"skipped"`
		Failed    int               `json:"failed"`
		Failures  map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, "relay snapshot unavailable", got.Failures["2024-03-05"])
}

func TestServer_Metrics(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer(&fakeStatus{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
