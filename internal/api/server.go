// Package api exposes the HTTP interface for observing a harvest run.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/agent"
	"github.com/leadsignal/harvester/internal/report"
)

// Server wires HTTP handlers to the running pool and progress tracker.
type Server struct {
	router  chi.Router
	pool    *agent.Pool
	tracker *report.Tracker
	logger  *zap.Logger
	started time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pool *agent.Pool, tracker *report.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		pool:    pool,
		tracker: tracker,
		logger:  logger,
		started: time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type agentStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type statusResponse struct {
	RunID      string          `json:"run_id"`
	UptimeSec  int64           `json:"uptime_seconds"`
	Processed  int64           `json:"processed"`
	Succeeded  int64           `json:"succeeded"`
	Failed     int64           `json:"failed"`
	QueueDepth int64           `json:"queue_depth"`
	Agents     []agentStatus   `json:"agents"`
	Snapshot   report.Snapshot `json:"snapshot"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.Snapshot()
	resp := statusResponse{
		RunID:      s.tracker.RunID(),
		UptimeSec:  int64(time.Since(s.started).Seconds()),
		Processed:  snap.Processed,
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		QueueDepth: snap.QueueDepth,
		Snapshot:   snap,
	}
	if s.pool != nil {
		for _, a := range s.pool.Agents() {
			resp.Agents = append(resp.Agents, agentStatus{ID: a.ID(), State: a.State().String()})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("dur", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
