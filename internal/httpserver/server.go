package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opencall/media-relay/internal/auth"
	"github.com/opencall/media-relay/internal/config"
	"github.com/opencall/media-relay/internal/events"
	"github.com/opencall/media-relay/internal/metrics"
	"github.com/opencall/media-relay/internal/ratelimit"
	"github.com/opencall/media-relay/internal/relay"
	"github.com/opencall/media-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the collaborators the HTTP surface fronts. Registry is required;
// the rest are optional.
type Deps struct {
	Registry     *relay.Registry
	Events       *events.Bus
	Metrics      *metrics.Metrics
	Verifier     auth.Verifier
	AllocLimiter *ratelimit.AllocLimiter

	// TURNCredentials mints credentials for TURN entries configured
	// without a username.
	TURNCredentials *turnrest.Generator
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		s.originMiddleware(),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: /events is a long-lived websocket.
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusOK, map[string]any{"ready": true, "warning": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /ice", s.handleICE)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics, s.activeSessions))

	s.mux.HandleFunc("POST /alloc", s.authorized(s.handleAlloc))
	s.mux.HandleFunc("GET /sessions", s.authorized(s.handleListSessions))
	s.mux.HandleFunc("GET /sessions/{id}", s.authorized(s.handleGetSession))
	s.mux.HandleFunc("DELETE /sessions/{id}", s.authorized(s.handleDeleteSession))

	if s.deps.Events != nil {
		s.mux.Handle("GET /events", s.authorized(events.NewHandler(s.deps.Events, s.log).ServeHTTP))
	}
}

func (s *Server) activeSessions() int {
	if s.deps.Registry == nil {
		return 0
	}
	return s.deps.Registry.Len()
}

// authorized gates next behind the configured verifier.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Authorize(s.deps.Verifier, r); err != nil {
			s.deps.Metrics.Inc(metrics.AuthFailures)
			WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

type errorResponse struct {
	Error  string               `json:"error"`
	Closed *relay.ClosedSession `json:"closed,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorResponse{Error: msg})
}
