package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/metrics"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{}, zap.NewNop())
	rec := serve(t, server, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerReadyzFollowsWorkers(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{st: Status{Workers: 2}}
	server := NewServer(status, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(t, server, "/readyz").Code)

	status.set(Status{Workers: 2, StoppedWorkers: 1})
	require.Equal(t, http.StatusOK, serve(t, server, "/readyz").Code)

	status.set(Status{Workers: 2, StoppedWorkers: 2})
	rec := serve(t, server, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "draining")

	status.set(Status{Workers: 2, Done: true})
	require.Equal(t, http.StatusServiceUnavailable, serve(t, server, "/readyz").Code)
}

func TestServerRunSnapshot(t *testing.T) {
	t.Parallel()

	status := &fakeStatus{st: Status{RunID: "run-1", Workers: 3, StoppedWorkers: 1, RequestQueue: 7, ResultQueue: 2}}
	server := NewServer(status, zap.NewNop())
	rec := serve(t, server, "/v1/run")

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, status.Status(), got)
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	metrics.Init()
	metrics.ObserveBrowserStart("initial")
	server := NewServer(&fakeStatus{}, zap.NewNop())
	rec := serve(t, server, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pagefleet_browser_starts_total")
}

func TestServerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(panicStatus{}, zap.NewNop())
	rec := serve(t, server, "/v1/run")

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServerUnknownRoute(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeStatus{}, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, server, "/v1/jobs").Code)
}

// --- fakes ---

type fakeStatus struct {
	mu sync.Mutex
	st Status
}

func (f *fakeStatus) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeStatus) set(st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = st
}

type panicStatus struct{}

func (panicStatus) Status() Status {
	panic("status unavailable")
}
