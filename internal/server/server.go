package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/coderun/internal/config"
	"github.com/michaelbrown/coderun/internal/session"
)

// Pinger reports whether the isolation runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server exposing the code runner over WebSocket.
type Server struct {
	cfg      *config.Config
	env      *session.Env
	runtime  Pinger
	sessions *SessionManager
	router   chi.Router
	upgrader websocket.Upgrader
	log      *logrus.Entry
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, env *session.Env, runtime Pinger, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		cfg:      cfg,
		env:      env,
		runtime:  runtime,
		sessions: NewSessionManager(),
		router:   chi.NewRouter(),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the registry of connected sessions.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("coderun listening on http://localhost%s (websocket at /ws)", addr)
	return s.http.ListenAndServe()
}

// Shutdown closes every session, terminating their sandboxes, then stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server...")
	s.sessions.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.runtime.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("Writing response: %v", err)
	}
}
