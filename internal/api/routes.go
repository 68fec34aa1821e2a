// Package api wires the thin HTTP admission surface: task CRUD, SSE
// event streaming, and operator/control-plane endpoints, over the same
// components the worker process uses. Grounded on the teacher's
// routes.go wiring shape (chi.Router, request ID/real IP/recoverer
// middleware stack, a dedicated admin route tree, a metrics endpoint),
// generalized from the teacher's websocket hub to Server-Sent Events.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxtask/engine/internal/api/handlers"
	apimw "github.com/fluxtask/engine/internal/api/middleware"
	"github.com/fluxtask/engine/internal/breaker"
	"github.com/fluxtask/engine/internal/config"
	"github.com/fluxtask/engine/internal/events"
	"github.com/fluxtask/engine/internal/metrics"
	"github.com/fluxtask/engine/internal/provider"
	"github.com/fluxtask/engine/internal/queue"
	"github.com/fluxtask/engine/internal/repo"
	"github.com/fluxtask/engine/internal/worker"
)

// Server is the admission API's HTTP server: a chi router plus the
// handlers it dispatches to.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	task   *handlers.TaskHandler
	admin  *handlers.AdminHandler
	sse    *handlers.SSEHandler
}

// NewServer builds the admission API against the same repo, queue
// router, breaker, provider state, metrics, and event bus the worker
// process uses, plus a Broadcaster for control-plane commands.
func NewServer(cfg *config.Config, q *queue.QueueRouter, r *repo.TaskRepo, bus *events.Bus, cb *breaker.CircuitBreaker, ps *provider.State, m *metrics.Metrics) *Server {
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		task:   handlers.NewTaskHandler(r),
		admin:  handlers.NewAdminHandler(q, r, cb, ps, m, worker.NewBroadcaster(q.Store())),
		sse:    handlers.NewSSEHandler(bus),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(apimw.RequestLogger())
	s.router.Use(chimw.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(chimw.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := &apimw.AuthConfig{
		Enabled:   s.cfg.Auth.Enabled,
		JWTSecret: s.cfg.Auth.JWTSecret,
		APIKeys:   apiKeySet(s.cfg.Auth.APIKeys),
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))
		r.Use(apimw.Auth(authCfg))
		r.Use(apimw.ClientRateLimit(200))

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.task.Create)
			r.Get("/{taskID}", s.task.Get)
			r.Delete("/{taskID}", s.task.Delete)
			r.Post("/{taskID}/retry", s.task.Retry)
		})
	})

	s.router.Get("/events", s.sse.Stream)

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(apimw.Auth(authCfg))
		if s.cfg.Auth.Enabled {
			r.Use(apimw.RequireRole("admin"))
		}

		r.Get("/health", s.admin.HealthCheck)
		r.Get("/queues", s.admin.GetQueues)
		r.Get("/provider", s.admin.GetProviderState)
		r.Get("/metrics/daily", s.admin.GetDailyMetrics)

		r.Get("/dlq", s.admin.ListDLQ)
		r.Delete("/dlq", s.admin.ClearDLQ)

		r.Post("/tasks/{taskID}/retry", s.admin.RetryTask)

		r.Get("/workers", s.admin.BroadcastWorkers)
		r.Post("/breaker/open", s.admin.OpenBreaker)
		r.Post("/breaker/close", s.admin.CloseBreaker)
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}
}

func apiKeySet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Router returns the chi router for use with http.Server.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
