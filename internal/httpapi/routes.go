package httpapi

import (
	"net/http"

	"github.com/DoyleJ11/als-sync-backend/internal/hub"
	"github.com/DoyleJ11/als-sync-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func SetupRoutes(h *hub.Hub, wsOpts ws.Options, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/matches", CreateMatch(h, logger))
	r.Get("/matches/{id}", GetMatch(h))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, wsOpts))
	return r
}
