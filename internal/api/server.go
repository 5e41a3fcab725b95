package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/commdesk/webphone/internal/api/middleware"
	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/config"
	"github.com/commdesk/webphone/internal/history"
	"github.com/commdesk/webphone/internal/mic"
	"github.com/commdesk/webphone/internal/session"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	session *session.Manager
	machine *call.Machine
	history *history.Store
	prewarm *mic.Prewarmer
	metrics http.Handler
	hub     *wsHub

	jwtSecret []byte
	adminHash string
	startedAt time.Time

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. The metrics
// handler is optional; when nil the /metrics route is not registered.
func NewServer(cfg *config.Config, sess *session.Manager, machine *call.Machine,
	hist *history.Store, prewarm *mic.Prewarmer, metrics http.Handler) (*Server, error) {

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}

	// The admin password arrives in plaintext from config. Hash it once at
	// startup so login verification is uniform; a pre-hashed value is used
	// as-is.
	adminHash := cfg.AdminPassword
	if !strings.HasPrefix(adminHash, "$argon2id$") {
		adminHash, err = HashPassword(cfg.AdminPassword)
		if err != nil {
			return nil, fmt.Errorf("hashing admin password: %w", err)
		}
	}

	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		session:     sess,
		machine:     machine,
		history:     hist,
		prewarm:     prewarm,
		metrics:     metrics,
		hub:         newWSHub(),
		jwtSecret:   secret,
		adminHash:   adminHash,
		startedAt:   time.Now(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	// Every state transition fans out to connected WebSocket clients.
	machine.OnChange(func(snap call.Snapshot) {
		s.hub.broadcastEvent(eventCall, stateEvent{Call: &snap})
	})
	sess.OnChange(func(snap session.Snapshot) {
		s.hub.broadcastEvent(eventSession, stateEvent{Session: &snap})
	})

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
	s.hub.close()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(s.authLimiter)).Post("/auth/login", s.handleLogin)

		// Everything below requires a valid bearer token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.apiLimiter))
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Get("/auth/me", s.handleMe)
			r.Get("/state", s.handleState)
			r.Get("/ws", s.handleWS)

			r.Route("/session", func(r chi.Router) {
				r.Get("/", s.handleSessionStatus)
				r.Post("/connect", s.handleSessionConnect)
				r.Post("/disconnect", s.handleSessionDisconnect)
				r.Post("/reconnect", s.handleSessionReconnect)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Post("/dial", s.handleDial)
				r.Post("/answer", s.handleAnswer)
				r.Post("/reject", s.handleReject)
				r.Post("/hangup", s.handleHangup)
				r.Post("/mute", s.handleToggleMute)
				r.Post("/hold", s.handleToggleHold)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/transfer", s.handleTransfer)

				r.Get("/history", s.handleListHistory)
				r.Get("/history/recent", s.handleRecentHistory)
				r.Get("/history/export", s.handleExportHistory)
				r.Get("/stats", s.handleCallStats)
			})

			r.Get("/system/status", s.handleSystemStatus)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
