package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/agent"
	"github.com/leadsignal/harvester/internal/harvest"
	"github.com/leadsignal/harvester/internal/report"
)

func newTestServer(t *testing.T) (*Server, *report.Tracker) {
	t.Helper()
	tracker := report.NewTracker(report.NewRunID(), nil, nil, time.Hour, func() int { return 7 })
	return NewServer(nil, tracker, nil), tracker
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReportsCountersAndQueueDepth(t *testing.T) {
	t.Parallel()

	srv, tracker := newTestServer(t)
	tracker.TargetSucceeded()
	tracker.TargetSucceeded()
	tracker.TargetFailed()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(3), resp.Processed)
	require.Equal(t, int64(2), resp.Succeeded)
	require.Equal(t, int64(1), resp.Failed)
	require.Equal(t, int64(7), resp.QueueDepth)
	require.NotEmpty(t, resp.RunID)
}

func TestStatusIncludesAgentStates(t *testing.T) {
	t.Parallel()

	tracker := report.NewTracker(report.NewRunID(), nil, nil, time.Hour, nil)
	pool, err := agent.NewPool(agent.PoolConfig{
		Identities: []harvest.Identity{{Email: "one@example.com", Password: "x"}},
	}, agent.Deps{Tracker: tracker}, func(string) harvest.Fetcher { return nil })
	require.NoError(t, err)

	srv := NewServer(pool, tracker, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	require.Equal(t, "agent-01", resp.Agents[0].ID)
	require.Equal(t, "UNINITIALIZED", resp.Agents[0].State)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestRequestIDHeaderEchoedAndGenerated(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
