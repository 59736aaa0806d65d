// Package api exposes the registry, the broadcast hub and the presence
// tracker over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/unklstewy/sim-traffic-hub/internal/hub"
	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/internal/presence"
	"github.com/unklstewy/sim-traffic-hub/internal/registry"
)

// maxReportBytes bounds a single ingestion body or frame.
const maxReportBytes = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins for CORS (default: any)
	AllowedOrigins []string

	// StreamWriteTimeout bounds one push to a viewer (default: 5 seconds)
	StreamWriteTimeout time.Duration

	// IngestRate is the per-aircraft report limit per second; 0 disables it
	IngestRate float64

	// IngestBurst is the per-aircraft token bucket size (default: 5)
	IngestBurst int

	// Mirror, when set, is reported under "mirror" by /api/status
	Mirror MirrorStatus
}

// MirrorStatus reports the health of the live-state mirror.
type MirrorStatus interface {
	Status(ctx context.Context) map[string]interface{}
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router   *chi.Mux
	registry *registry.Registry
	hub      *hub.Hub
	presence *presence.Tracker
	limiter  *ingestLimiter
	upgrader websocket.Upgrader
	opts     Options
	log      *logger.Logger
	started  time.Time
}

// NewServer wires the routes. The registry, hub and tracker are owned by
// the caller.
func NewServer(reg *registry.Registry, h *hub.Hub, pres *presence.Tracker, opts Options, lg *logger.Logger) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.StreamWriteTimeout <= 0 {
		opts.StreamWriteTimeout = 5 * time.Second
	}
	if opts.IngestBurst <= 0 {
		opts.IngestBurst = 5
	}

	s := &Server{
		router:   chi.NewRouter(),
		registry: reg,
		hub:      h,
		presence: pres,
		limiter:  newIngestLimiter(opts.IngestRate, opts.IngestBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Producers and viewers may be served from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    opts,
		log:     lg.With(slog.String("component", "api")),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Any producer origin may push
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		// Plain request/response routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Get("/aircraft", s.handleListAircraft)
			r.Post("/aircraft", s.handleIngest)
			r.Delete("/aircraft/{id}", s.handleRemove)
			r.Delete("/aircraft/", s.handleRemove)

			r.Get("/viewers", s.handleGetViewers)
			r.Post("/viewers", s.handleHeartbeat)

			r.Get("/status", s.handleStatus)
		})

		// Long-lived streams
		r.Get("/ws", s.handleWebSocket)
		r.Get("/stream", s.handleSSE)
		r.Get("/ingest/ws", s.handleIngestWebSocket)
	})
}

// handleStatus reports server health and counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"aircraft":      len(s.registry.Snapshot()),
		"activeViewers": s.presence.Count(),
		"hub":           s.hub.Stats(),
	}
	if s.opts.Mirror != nil {
		resp["mirror"] = s.opts.Mirror.Status(r.Context())
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON writes data as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Success: false, Error: msg})
}
