// Package httpapi exposes the process's internal status surface: a
// liveness probe and a read-only view of which workspaces currently
// have a running bot (spec.md section 4.1's live_bots set). It is not
// the buyer/owner-facing dashboard API, which lives outside this
// repo's scope. Grounded on the pack's shared choice of go-chi/chi/v5
// as the plain-HTTP-service router (ManuGH-xg2g's internal/api,
// ashureev-shsh-labs's cmd/server) — the teacher itself has no router
// of its own, mautrix's bridgev2 framework owns its HTTP surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Manager is the subset of *botmanager.Manager the status endpoints
// need. Declared locally so this package doesn't import botmanager
// (which itself imports bot, reaper, ...); satisfied by
// *botmanager.Manager as-is.
type Manager interface {
	RunningWorkspaceIDs() []string
}

// Server wraps a chi router over a Manager.
type Server struct {
	mgr Manager
	log zerolog.Logger
}

// New builds a Server. Call Handler to obtain the http.Handler to
// serve, typically via an *http.Server for graceful shutdown.
func New(mgr Manager, log zerolog.Logger) *Server {
	return &Server{mgr: mgr, log: log.With().Str("component", "httpapi").Logger()}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/internal/workspaces", s.handleWorkspaces)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	ids := s.mgr.RunningWorkspaceIDs()
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"live_bots": ids}); err != nil {
		s.log.Error().Err(err).Msg("encoding workspaces response")
	}
}
