// Package dashboard serves widget snapshots and command requests over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/dashfeed/internal/binding"
	"github.com/LeonardoBeccarini/dashfeed/internal/cache"
	"github.com/LeonardoBeccarini/dashfeed/internal/command"
	"github.com/LeonardoBeccarini/dashfeed/internal/engine"
)

// Engine is the part of engine.Engine the handlers use.
type Engine interface {
	Bindings() []*binding.Binding
	Binding(id string) (*binding.Binding, bool)
	Refresh(ctx context.Context, b *binding.Binding, force bool) error
	Send(ctx context.Context, id string, input any) (bool, error)
	Connected() bool
	CacheStats() map[string]cache.Stats
}

type Config struct {
	Engine Engine
	// Breakers reports upstream breaker states by endpoint; optional.
	Breakers func() map[string]string
	// RequireStream makes /readyz depend on the event stream.
	RequireStream  bool
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, log: cfg.Logger.With("component", "http")}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /widgets", s.handleList)
	mux.HandleFunc("GET /widgets/{id}", s.handleGet)
	mux.HandleFunc("POST /widgets/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /widgets/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.Handle("/healthz", NewHealthHandler(s.cfg.Engine, s.cfg.Breakers))
	mux.Handle("/readyz", NewReadyHandler(s.cfg.Engine, s.cfg.Breakers, s.cfg.RequireStream))
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	bs := s.cfg.Engine.Bindings()
	out := make([]binding.Snapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := s.cfg.Engine.Binding(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrUnknownID.Error())
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

// handleRefresh forces a refetch of the widget's telemetry and system
// sources. A failed refetch still answers with the snapshot, which carries
// the error.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b, ok := s.cfg.Engine.Binding(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrUnknownID.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.cfg.Engine.Refresh(ctx, b, true); err != nil {
		s.log.Warn("refresh failed", "widget", b.ID(), "err", err)
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

type commandRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	id := r.PathValue("id")
	accepted, err := s.cfg.Engine.Send(r.Context(), id, req.Value)
	switch {
	case errors.Is(err, engine.ErrUnknownID):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, command.ErrNotCommand):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusAccepted
	if !accepted {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]bool{"accepted": accepted})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	type stats struct {
		Hits      uint64 `json:"hits"`
		Misses    uint64 `json:"misses"`
		Evictions uint64 `json:"evictions"`
		Size      int    `json:"size"`
	}
	out := map[string]stats{}
	for name, st := range s.cfg.Engine.CacheStats() {
		out[name] = stats{Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions, Size: st.Size}
	}
	writeJSON(w, http.StatusOK, out)
}
