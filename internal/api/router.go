package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 创建路由并注册所有 handler
func NewRouter(pageHandler *PageHandler, authHandler *AuthHandler, authMiddleware func(http.Handler) http.Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(RecoveryMiddleware(logger)))
	r.Use(mux.MiddlewareFunc(LoggingMiddleware(logger)))

	// Health check endpoint (public, no auth)
	r.HandleFunc("/healthz", HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if authHandler != nil {
		authHandler.RegisterRoutes(r, authMiddleware)
	}

	// 页面路由包含 catch-all，必须最后注册
	pageHandler.RegisterRoutes(r)

	return r
}
