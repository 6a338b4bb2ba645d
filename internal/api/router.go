package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds transport-level limits
type RouterConfig struct {
	// RedeemRateLimit requests per RedeemRateWindow per client IP on /shared
	RedeemRateLimit  int
	RedeemRateWindow time.Duration
	// MetricsHandler serves /metrics; defaults to the global registry
	MetricsHandler http.Handler
}

// NewRouter creates a new API router. A nil auth leaves the management routes open.
func NewRouter(h *Handler, auth *Authenticator, cfg RouterConfig, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	// Health endpoints
	r.Get("/healthz", h.HealthCheck)
	r.Get("/readyz", h.ReadyCheck)

	// Metrics endpoint
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	// Public share links
	r.With(httprate.Limit(
		cfg.RedeemRateLimit,
		cfg.RedeemRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)).Get("/shared/{token}", h.ServeShared)

	// API routes
	r.Route("/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware)
		}

		r.Route("/videos", func(r chi.Router) {
			// Trim and merge bound themselves with the job timeout
			r.Post("/", h.UploadVideo)
			r.Post("/merge", h.MergeVideos)
			r.Post("/{id}/trim", h.TrimVideo)
			r.With(middleware.Timeout(60*time.Second)).Get("/{id}", h.GetVideo)
		})

		r.Route("/share", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/", h.CreateShare)
			r.Delete("/{token}", h.RevokeShare)
		})
	})

	return r
}

// requestLogger logs HTTP requests
func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("requestId", middleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
