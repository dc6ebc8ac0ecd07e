package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/pbxsignal/internal/api/middleware"
	"github.com/flowpbx/pbxsignal/internal/callcontrol"
	"github.com/flowpbx/pbxsignal/internal/database"
	"github.com/flowpbx/pbxsignal/internal/history"
	"github.com/flowpbx/pbxsignal/internal/protocol"
	"github.com/flowpbx/pbxsignal/internal/queuecall"
)

// PresenceSource serves presence snapshots for a tenant.
type PresenceSource interface {
	Snapshot(ctx context.Context, tenantID int64, excluding string) ([]protocol.PresenceEntry, error)
}

// QueueCalls is the inbound side of the call-control integration.
type QueueCalls interface {
	Offer(req queuecall.OfferRequest) (queuecall.Info, error)
	ExternalConnected(queueCallID string) error
	ExternalEnded(queueCallID string, reason protocol.Reason) error
	Lookup(queueCallID string) (queuecall.Info, bool)
}

// Deps carries everything the HTTP surface serves. History and Metrics may
// be nil.
type Deps struct {
	Extensions     database.ExtensionRepository
	History        history.Store
	Presence       PresenceSource
	QueueCalls     QueueCalls
	Gateway        http.Handler
	Metrics        http.Handler
	JWTSecret      []byte
	CallControlKey string
	CORSOrigins    []string
	Logger         *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	extensions  database.ExtensionRepository
	history     history.Store
	presence    PresenceSource
	queueCalls  QueueCalls
	gateway     http.Handler
	metrics     http.Handler
	jwtSecret   []byte
	controlKey  string
	corsOrigins []string
	logger      *slog.Logger

	authLimiter *middleware.KeyedRateLimiter
	appLimiter  *middleware.KeyedRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      chi.NewRouter(),
		extensions:  deps.Extensions,
		history:     deps.History,
		presence:    deps.Presence,
		queueCalls:  deps.QueueCalls,
		gateway:     deps.Gateway,
		metrics:     deps.Metrics,
		jwtSecret:   deps.JWTSecret,
		controlKey:  deps.CallControlKey,
		corsOrigins: deps.CORSOrigins,
		logger:      logger.With("subsystem", "api"),
		authLimiter: middleware.NewKeyedRateLimiter(middleware.AuthRateLimitConfig()),
		appLimiter:  middleware.NewKeyedRateLimiter(middleware.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.authLimiter.Stop()
	s.appLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	if len(s.corsOrigins) > 0 {
		r.Use(middleware.CORS(s.corsOrigins))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.authLimiter, middleware.ByIP)).
			Post("/auth/token", s.handleIssueToken)

		if s.gateway != nil {
			r.Handle("/ws", s.gateway)
		}

		// Extension endpoints, JWT bearer auth.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAppAuth(s.jwtSecret))
			r.Use(middleware.RateLimit(s.appLimiter, middleware.ByExtension))
			r.Get("/presence", s.handlePresence)
			r.Get("/app/history", s.handleHistory)
		})

		// Inbound events from the call-control subsystem, API key auth.
		r.Route("/queue-calls", func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(callcontrol.APIKeyHeader, s.controlKey))
			r.Post("/", s.handleOfferQueueCall)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetQueueCall)
				r.Post("/connected", s.handleQueueCallConnected)
				r.Post("/ended", s.handleQueueCallEnded)
			})
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
