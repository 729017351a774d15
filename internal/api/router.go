package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/coachline/internal/config"
	"github.com/ashureev/coachline/internal/identity"
	"github.com/ashureev/coachline/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the coach API. Health endpoints are public; everything
// else requires an athlete credential.
func NewRouter(cfg *config.Config, h *Handler, health *HealthHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.AccessLog(slog.Default()))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	health.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.APITokens, cfg.IsDevelopment()))

		r.Route("/api", func(r chi.Router) {
			r.Post("/coach/chat/stream", h.HandleChatStream)
			r.Post("/coach/chat", h.HandleChat)
			r.Get("/plan", h.HandlePlan)

			r.Route("/actions/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGetProposal)
				r.Post("/confirm", h.HandleConfirm)
				r.Post("/reject", h.HandleReject)
			})
		})

		r.Get("/ws/coach", h.HandleChatWS)
	})

	return r
}
