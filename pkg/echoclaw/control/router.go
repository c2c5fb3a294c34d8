package control

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Token, when set, guards the /api routes.
	Token string

	// Health reports component readiness for /health. It may be nil.
	Health func() map[string]bool
}

// NewRouter exposes svc over HTTP.
func NewRouter(svc *Service, cfg RouterConfig, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, health: cfg.Health, logger: logger.With("component", "control")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Use(chimw.AllowContentType("application/json"))

		r.Get("/automode", h.ListAutoMode)

		r.Route("/chats/{chat}", func(r chi.Router) {
			r.Get("/automode", h.AutoModeStatus)
			r.Post("/automode/start", h.StartAutoMode)
			r.Post("/automode/stop", h.StopAutoMode)

			r.Get("/settings", h.ResolveSettings)
			r.Put("/settings", h.SaveSettings)
			r.Delete("/settings", h.ResetSettings)

			r.Put("/persona", h.BindPersona)
			r.Put("/note", h.SaveChatNote)

			r.Post("/generate", h.Generate)
			r.Post("/send", h.Send)
			r.Post("/memory", h.UpdateMemory)
		})

		r.Route("/personas", func(r chi.Router) {
			r.Get("/", h.ListPersonas)
			r.Post("/", h.CreatePersona)
			r.Get("/{id}", h.GetPersona)
			r.Put("/{id}", h.UpdatePersona)
		})
	})

	return r
}

// Server wraps http.Server for the daemon lifecycle.
func Server(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
