package restapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saline-io/saline/internal/busclient"
	"github.com/saline-io/saline/internal/config"
	"github.com/saline-io/saline/internal/merger"
	"github.com/saline-io/saline/internal/pipeline"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := merger.New(cfg, logger)
	p := pipeline.New(cfg, logger, busclient.NewChannelSource(), m)
	return New(cfg, logger, m, p, true)
}

func TestHandleMetricsReturns500BeforeFirstPublish(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "No metrics connection available")
}

func TestHandleMetricsReturnsPublishedBuffer(t *testing.T) {
	s := testServer(t)
	s.Publish("salt_events_total 1\n")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain;version=0.0.4;charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "salt_events_total 1\n", rec.Body.String())
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestStatusEndpointReportsPoolWorkers(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pool_workers")
}
