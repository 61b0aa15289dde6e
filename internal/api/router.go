package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-pubsub/internal/auth"
)

// defaultWSPath is used when websocket.path is unset.
const defaultWSPath = "/api/v1/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(s.accessLog)
	r.Use(s.recoverPanics)
	r.Use(s.cors())
	r.Use(middleware.RequestSize(maxRequestBodySize))

	// Health checks (no auth required)
	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/health", s.handleHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requirePermission(auth.PermProviderRead)).Get("/api/v1/metrics", s.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermProviderRead))
			r.Get("/api/v1/providers", s.handleListProviders)
			r.Get("/api/v1/providers/{name}", s.handleGetProvider)
			r.Get("/api/v1/providers/{name}/history", s.handleProviderHistory)
			r.With(s.requirePermission(auth.PermProviderManage)).Put("/api/v1/providers/{name}/network", s.handleProviderNetwork)
		})

		r.With(s.requirePermission(auth.PermMessagePublish)).Post("/api/v1/publish", s.handlePublish)

		// WebSocket stream, mounted at the configured path
		r.With(s.requirePermission(auth.PermMessageStream)).Get(s.wsPath(), s.handleWebSocket)
	})

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return defaultWSPath
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"providers": len(s.pubsub.Providers()),
	})
}
