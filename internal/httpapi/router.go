// Package httpapi is the request/response surface: chi router, JSON
// handlers for notes, search, and API keys, and the websocket upgrade
// into the edit session hub.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

// Pinger is what the readiness probe needs from the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds dependencies for HTTP handlers
type Server struct {
	Store repo.Store
	Index *vector.Registry
	Quota *quota.Engine
	Hub   *hub.Hub
	Usage *usage.Emitter
	Gate  *auth.Gate

	// DB backs the readiness probe; nil skips the ping (memory store).
	DB Pinger
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Health checks (unauthenticated)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/health/live", s.handleHealthz)
	r.Get("/health/ready", s.handleReady)

	// Everything under /v1 is authenticated, quota-gated, and metered
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Gate))
		r.Use(QuotaMiddleware(s.Quota))
		r.Use(UsageMiddleware(s.Usage))

		// Notes
		r.Post("/v1/notes", s.CreateNote)
		r.Get("/v1/notes", s.ListNotes)
		r.Get("/v1/notes/{id}", s.GetNote)
		r.Patch("/v1/notes/{id}", s.PatchNote)
		r.Delete("/v1/notes/{id}", s.DeleteNote)

		// Search
		r.Post("/v1/search", s.SearchNotes)
		r.Post("/v1/search/rebuild", s.RebuildIndex)

		// API keys
		r.Post("/v1/api-keys", s.CreateAPIKey)
		r.Get("/v1/api-keys", s.ListAPIKeys)
		r.Delete("/v1/api-keys/{id}", s.DeleteAPIKey)
	})

	// The stream surface does its own auth (close code 1008, not a JSON
	// body) and charges quota per frame rather than per request.
	r.Get("/stream/notes/{id}", s.StreamNote)

	log.Info().Msg("HTTP routes registered")
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.Ping(r.Context()); err != nil {
			log.Ctx(r.Context()).Error().Err(err).Msg("readiness ping failed")
			writeError(w, http.StatusServiceUnavailable, codeInternal, "database unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
