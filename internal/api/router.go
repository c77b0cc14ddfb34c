package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/simpa/internal/live"
	"github.com/ashureev/simpa/internal/middleware"
	"github.com/ashureev/simpa/internal/store"
	"github.com/ashureev/simpa/web"
)

// RouterConfig holds the dependencies of the monitor router.
type RouterConfig struct {
	Repo          store.Repository
	Status        *Status
	Hub           *live.Hub
	AllowedOrigin string
	Logger        *slog.Logger
}

// NewRouter builds the monitor's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	base := NewHandler(cfg.Repo, cfg.Status)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{cfg.AllowedOrigin}))

	NewHealthHandler(base).RegisterHealth(r)
	NewSessionHandler(base).RegisterRoutes(r)

	if cfg.Hub != nil {
		r.Get("/ws/events", live.NewWebSocketHandler(cfg.Hub, cfg.AllowedOrigin).ServeHTTP)
	}

	r.Handle("/*", web.Handler())
	return r
}
