package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/metrics"
	"github.com/rpggio/chairside/internal/syncstore"
)

// DefaultPingInterval spaces WebSocket pings and SSE heartbeats.
const DefaultPingInterval = 20 * time.Second

// APIKeyResolver maps a long-lived API key to its user.
type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (string, error)
}

// Config wires the HTTP surface.
type Config struct {
	Gateway  gateway.Gateway
	Registry *syncstore.Registry

	// Auth protects /v1 routes when non-nil.
	Auth Authenticator
	// Issuer and APIKeys enable POST /v1/auth/token.
	Issuer  *session.Issuer
	APIKeys APIKeyResolver

	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// MCP, when set, is mounted at /mcp. It authenticates its own calls.
	MCP http.Handler

	PingInterval time.Duration
}

// Server wires HTTP handlers.
type Server struct {
	gw       gateway.Gateway
	registry *syncstore.Registry
	issuer   *session.Issuer
	apiKeys  APIKeyResolver
	metrics  *metrics.Recorder
	logger   *slog.Logger
	ping     time.Duration
}

// NewServer creates the HTTP router with middleware.
func NewServer(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	srv := &Server{
		gw:       cfg.Gateway,
		registry: cfg.Registry,
		issuer:   cfg.Issuer,
		apiKeys:  cfg.APIKeys,
		metrics:  cfg.Metrics,
		logger:   logger,
		ping:     ping,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.observe)

	r.Get("/health", srv.handleHealth)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if srv.issuer != nil && srv.apiKeys != nil {
			r.Post("/auth/token", srv.handleToken)
		}

		r.Group(func(r chi.Router) {
			if cfg.Auth != nil {
				r.Use(AuthMiddleware(cfg.Auth))
			}
			r.Get("/me", srv.handleMe)

			r.Route("/collections/{collection}", func(r chi.Router) {
				r.Get("/", srv.handleList)
				r.Post("/", srv.handleInsert)
				r.Get("/changes", srv.handleChanges)
				r.Patch("/{id}", srv.handleUpdate)
				r.Delete("/{id}", srv.handleDelete)
			})

			if srv.registry != nil {
				r.Get("/watch/{collection}", srv.handleWatch)
			}
		})
	})

	if cfg.MCP != nil {
		r.Handle("/mcp", cfg.MCP)
		r.Handle("/mcp/*", cfg.MCP)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// observe logs each request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, r.Method, status)
		s.logger.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
