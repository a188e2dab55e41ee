package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/bintlabs/go-sync-db/internal/api/handlers"
	"github.com/bintlabs/go-sync-db/internal/api/middleware"
	stdmiddleware "github.com/bintlabs/go-sync-db/internal/middleware"
	"github.com/bintlabs/go-sync-db/internal/protocol"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Middleware configuration
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	// Rate limit configuration (requests per minute, burst)
	RateLimitPerMinute int
	RateLimitBurst     int

	// CORS configuration
	CORSConfig middleware.CORSConfig

	// Logger
	Logger *slog.Logger

	// Server is the protocol core the sync handlers delegate to.
	Server *protocol.Server
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig(logger *slog.Logger, server *protocol.Server) RouterConfig {
	return RouterConfig{
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 100,
		RateLimitBurst:     20,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
		Server:             server,
	}
}

// NewRouter creates a new API router with all middleware configured.
//
// The middleware stack is applied in order:
//  1. Security headers (always)
//  2. RequestID (always)
//  3. Logging (always)
//  4. Metrics (if enabled)
//  5. CORS (if enabled)
//  6. Compression (if enabled)
//  7. Route-specific: RateLimit, Validation
//
// @title Sync Server API
// @version 1.0.0
// @description Relational-database sync engine push/pull/register/repair protocol
// @license.name MIT
// @host localhost:8080
// @BasePath /
// @schemes http https
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	// Apply global middleware (order matters!)
	secHeaders := stdmiddleware.NewSecurityHeadersMiddleware(nil)
	router.Use(secHeaders.Handler)
	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}

	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}

	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	setupSyncRoutes(router, config)
	setupDocumentationRoutes(router)

	return router
}

// setupSyncRoutes wires the spec.md §6 HTTP surface: register, push, pull,
// repair. Every route here mutates or reads the tracked store behind the
// node's own signature/credential check inside protocol.Server — there is
// no separate header-based auth layer, because the client identity and its
// proof of authenticity both live inside the signed JSON body (node_id +
// signature), not in a request header.
func setupSyncRoutes(router *mux.Router, config RouterConfig) {
	h := handlers.NewSyncHandlers(config.Server, config.Logger)

	router.HandleFunc("/health", HealthCheckHandler(config.Logger)).Methods("GET")

	sync := router.PathPrefix("").Subrouter()
	if config.EnableRateLimit {
		sync.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
	}
	sync.Use(middleware.ValidationMiddleware)

	sync.HandleFunc("/register", h.Register).Methods("POST")
	sync.HandleFunc("/push", h.Push).Methods("POST")
	sync.HandleFunc("/pull", h.Pull).Methods("POST")
	sync.HandleFunc("/repair", h.Repair).Methods("GET")
	sync.HandleFunc("/query", h.Query).Methods("GET")

	// /watch bypasses rate limiting/validation: it's a long-lived upgraded
	// connection, not a request/response call.
	router.HandleFunc("/watch", h.Watch.HandleWatch).Methods("GET")
}

// setupDocumentationRoutes configures documentation routes.
func setupDocumentationRoutes(router *mux.Router) {
	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
}

// HealthCheckHandler returns overall system health.
//
// @Summary System health check
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{} "Healthy"
// @Router /health [get]
func HealthCheckHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"status": "healthy",
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(middleware.APIVersionHeader, "1.0.0")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("failed to encode health response", "error", err)
		}
	}
}
