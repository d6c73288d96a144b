package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the notifyd API.
//
// Route layout:
//
//	GET    /healthz               – liveness probe (no authentication)
//	GET    /metrics               – Prometheus exposition (no authentication)
//	GET    /api/v1/watches        – list live watches
//	POST   /api/v1/watches        – watch a directory
//	DELETE /api/v1/watches        – unwatch ?path=
//	GET    /api/v1/events         – journal tail, newest first
//	GET    /api/v1/events/stream  – live WebSocket feed, when configured
//
// auth protects the /api routes; pass nil to disable authentication.
func NewRouter(srv *Server, auth *JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.ctl.HealthzHandler)
	r.Method(http.MethodGet, "/metrics", srv.ctl.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(JWTMiddleware(*auth))
		}

		r.Get("/watches", srv.handleListWatches)
		r.Post("/watches", srv.handleAddWatch)
		r.Delete("/watches", srv.handleRemoveWatch)
		r.Get("/events", srv.handleEvents)
		if srv.stream != nil {
			r.Method(http.MethodGet, "/events/stream", srv.stream)
		}
	})

	return r
}
