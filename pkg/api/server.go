package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantauth/pkg/audit"
	"github.com/platinummonkey/tenantauth/pkg/exchange"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/keys"
	"github.com/platinummonkey/tenantauth/pkg/middleware"
	"github.com/platinummonkey/tenantauth/pkg/observability"
	"github.com/platinummonkey/tenantauth/pkg/orgs"
	"github.com/platinummonkey/tenantauth/pkg/orgswitch"
	"github.com/platinummonkey/tenantauth/pkg/rbac"
	"github.com/platinummonkey/tenantauth/pkg/refresh"
	"github.com/platinummonkey/tenantauth/pkg/tokens"
)

// Deps are the services the server routes to. Health, Registry, Metrics,
// Recorder and RateLimiter are optional.
type Deps struct {
	Exchange  *exchange.Service
	Refresh   *refresh.Service
	Switch    *orgswitch.Service
	Tokens    *tokens.Service
	Roles     *rbac.Service
	Directory orgs.Directory
	Keys      *keys.Provider
	Recorder  *audit.Recorder

	// StoreTimeout bounds directory calls made directly by handlers.
	StoreTimeout time.Duration

	Health      *observability.HealthChecker
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	RateLimiter middleware.Limiter
	Logger      *observability.Logger
}

// Server represents our API server
type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 3 * time.Second
	}
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	var h http.Handler = s.router
	h = observability.HTTPMetricsMiddleware(deps.Metrics)(h)
	h = middleware.Recovery(deps.Logger)(h)
	h = middleware.RequestID(deps.Logger)(h)
	s.handler = otelhttp.NewHandler(h, "tenantauth",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed here")
	})

	NewAuthHandlers(s.deps).RegisterRoutes(s.router)
	NewAuthzHandlers(s.deps).RegisterRoutes(s.router)
	NewOrgHandlers(s.deps).RegisterRoutes(s.router)

	s.router.HandleFunc("/.well-known/jwks.json", s.jwks).Methods(http.MethodGet)

	if s.deps.Health != nil {
		s.router.HandleFunc("/healthz", s.deps.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", s.deps.Health.Readiness).Methods(http.MethodGet)
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// jwks handles GET /.well-known/jwks.json. Unlike token responses the key
// set may be cached briefly.
func (s *Server) jwks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(s.deps.Keys.JWKS()); err != nil {
		s.deps.Logger.WithError(err).Warn("Failed to write JWKS")
	}
}
