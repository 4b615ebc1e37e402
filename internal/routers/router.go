package routers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codecollab/internal/api"
	"codecollab/internal/config"
	"codecollab/internal/metrics"
)

func New(h *api.Handlers, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/run", h.RunCode)
	r.Get("/ws/{roomID}", h.CollabWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/run", h.RunCode)
		r.Get("/languages", h.ListLanguages)
		r.Get("/rooms/{roomID}", h.GetRoom)
	})

	return r
}
