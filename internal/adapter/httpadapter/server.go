package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/bloomwatch-service/internal/domain"
	"github.com/couchcryptid/bloomwatch-service/internal/observability"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes bounds detection request bodies.
const maxBodyBytes = 1 << 20

// Detector runs a detection for an authenticated principal.
type Detector interface {
	Detect(ctx context.Context, coord domain.Coordinate, principal domain.Principal) (domain.Observation, error)
}

// Queries answers read-only observation queries.
type Queries interface {
	List(ctx context.Context, principal domain.Principal, page, pageSize int) (domain.Page, error)
	Get(ctx context.Context, id string) (domain.Observation, error)
	Nearby(ctx context.Context, center domain.Coordinate, radiusMeters float64, limit int) ([]domain.Observation, error)
}

// Dependencies are the collaborators the API routes are served from.
type Dependencies struct {
	Detector  Detector
	Queries   Queries
	Ready     sharedobs.ReadinessChecker
	Limiter   RateLimiter // nil disables rate limiting
	JWTSecret []byte
	Metrics   *observability.Metrics
}

// Server exposes the bloom API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	auth       *authenticator
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the /api routes and the
// /healthz, /readyz, and /metrics ops routes.
func NewServer(addr string, deps Dependencies, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      otelhttp.NewHandler(mux, "bloomwatch.http"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		auth:   &authenticator{secret: deps.JWTSecret},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(deps.Ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("POST /api/blooms/detect", s.api(s.requireAuth(s.handleDetect)))
	mux.Handle("GET /api/blooms/nearby", s.api(s.handleNearby))
	mux.Handle("GET /api/blooms/history", s.api(s.requireAuth(s.handleHistory)))
	mux.Handle("GET /api/blooms/{id}", s.api(s.handleGet))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// api applies rate limiting to an /api route.
func (s *Server) api(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter != nil && !s.allow(r) {
			s.deps.Metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "60")
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	})
}

// allow consults the limiter keyed by principal, or by client IP when the
// request carries no valid token. Limiter failures let the request through.
func (s *Server) allow(r *http.Request) bool {
	key := "ip:" + clientIP(r)
	if principal, err := s.auth.principal(r); err == nil {
		key = "user:" + string(principal)
	}
	ok, err := s.deps.Limiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "error", err)
		return true
	}
	return ok
}
