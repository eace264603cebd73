// Package httpapi serves the read-only introspection surface plus the
// manual reflection trigger. It binds to loopback by default; there is no
// auth layer, the operator's machine boundary is the boundary.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/scheduler"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/timeparse"
)

// Server is the introspection HTTP server.
type Server struct {
	store storage.Storage
	retr  *insight.Retriever
	sched *scheduler.Scheduler
	cfg   *config.Config

	httpServer *http.Server
	startedAt  time.Time
}

// New builds the server; sched may be nil, which disables the trigger
// endpoints.
func New(store storage.Storage, retr *insight.Retriever, sched *scheduler.Scheduler, cfg *config.Config) *Server {
	s := &Server{store: store, retr: retr, sched: sched, cfg: cfg, startedAt: time.Now().UTC()}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /insights", s.handleInsights)
	mux.HandleFunc("GET /insights/search", s.handleInsightSearch)
	mux.HandleFunc("GET /insights/{key...}", s.handleInsightsByTopic)
	mux.HandleFunc("GET /salience", s.handleSalience)
	mux.HandleFunc("GET /salience/groups", s.handleSalienceGroups)
	mux.HandleFunc("GET /salience/{key...}", s.handleSalienceTopic)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /runs/stats/summary", s.handleRunStats)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	if sched != nil {
		mux.HandleFunc("POST /reflect/trigger/{layer}", s.handleTrigger)
		mux.HandleFunc("GET /reflect/jobs", s.handleJobs)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// sinceQuery parses the since parameter; compact durations, absolute
// stamps, and natural language all work.
func sinceQuery(r *http.Request) (*time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return nil, nil
	}
	t, err := timeparse.ParseSince(raw, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store: %v", err)
		return
	}
	version, err := s.store.SchemaVersion(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "schema: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}
