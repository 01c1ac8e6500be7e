package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/snapdraft/backend/internal/config"
	"github.com/snapdraft/backend/internal/handlers"
	"github.com/snapdraft/backend/internal/middleware"
	"github.com/snapdraft/backend/internal/worker"
)

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// Stores groups the persistence surfaces the router needs.
type Stores struct {
	Users    middleware.UserStore
	Events   handlers.EventStore
	Requests middleware.RequestLogStore
}

// New constructs an HTTP server wiring the webhook, paid-action, and plan
// endpoints onto the chi router.
func New(cfg config.Config, stores Stores, reconciler handlers.EventApplier, orchestrator handlers.ActionRunner, gate handlers.PlanGate, compensationWorker *worker.Worker) *Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)

	if stores.Requests != nil {
		router.Use(middleware.NewRequestTracker(stores.Requests).Middleware())
	}

	router.Get("/healthz", handlers.Health)
	router.Post("/api/webhooks/stripe", handlers.StripeWebhook(cfg.AppID, cfg.StripeWebhookSecret, stores.Events, reconciler))

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser(stores.Users))
		r.Post("/api/generate", handlers.Generate(orchestrator))
		r.Post("/api/refine", handlers.Refine(orchestrator))
		r.Get("/api/me/plan", handlers.Plan(gate))
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: compensationWorker}
}

// Start begins serving HTTP traffic and starts the compensation worker.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Println("[server] starting compensation worker...")
		s.worker.Start(context.Background())
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Println("[server] shutting down compensation worker...")
		if err := s.worker.Stop(ctx); err != nil {
			log.Printf("[server] worker shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
