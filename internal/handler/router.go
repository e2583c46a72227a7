package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"vote-service/internal/util"
)

// HealthChecker reports failing dependencies by name.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type RouterConfig struct {
	RequireHTTPS   bool
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"success":false,"error":"https required","kind":"invalid_request"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter mounts the API. The tally stream sits outside the request
// timeout; every other route gets it.
func NewRouter(cfg RouterConfig, otpHandler *OTPHandler, voteHandler *VoteHandler, stream http.Handler, health HealthChecker, logger *zap.Logger) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*"}
	}

	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.With(middleware.Timeout(5*time.Second)).Get("/health", func(w http.ResponseWriter, r *http.Request) {
		failures := map[string]string{}
		if health != nil {
			for name, err := range health.HealthCheck(r.Context()) {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			respondJSON(w, logger, http.StatusServiceUnavailable, Response{
				Error:   "unhealthy",
				Kind:    "unavailable",
				Message: "One or more dependencies are failing.",
				Data:    map[string]interface{}{"status": "unhealthy", "failures": failures},
			})
			return
		}
		respondOK(w, logger, http.StatusOK, map[string]string{"status": "healthy", "service": "vote-service"})
	})

	router.Route("/api/v1", func(r chi.Router) {
		if stream != nil {
			r.Method(http.MethodGet, "/tally/stream", stream)
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			otpHandler.RegisterRoutes(r)
			voteHandler.RegisterRoutes(r)
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, logger, http.StatusNotFound, Response{Error: "endpoint not found", Kind: "not_found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, logger, http.StatusMethodNotAllowed, Response{Error: "method not allowed", Kind: "invalid_request"})
	})

	return router
}

// LoggerMiddleware logs one line per request once it completes.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
