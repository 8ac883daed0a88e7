// Package api implements the HTTP transport layer of the Session/Event
// Server: sessions, command ingest, the request/job/completion queues, the
// worker registry, and the SSE/WS event streams. It uses chi as the router.
// Every route except health/metrics requires the single static bearer
// token configured on the server (spec.md §4.6) via the Authenticate
// middleware.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main.go after every component is constructed and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger *zap.Logger

	Sessions    repositories.SessionRepository
	Requests    repositories.RequestRepository
	Jobs        repositories.JobRepository
	Completions repositories.CompletionRepository
	Workers     repositories.WorkerRepository

	Log       *eventlog.Log
	Hub       *websocket.Hub
	Waiters   *metrics.ClaimWaitTracker
	Durations *metrics.ClaimWaitTracker
	Outcomes  *metrics.OutcomeTracker

	// AuthToken is the single shared bearer secret (spec.md §4.6). Empty
	// disables auth.
	AuthToken string
}

// NewRouter builds and returns the fully configured Chi router, CORS
// permissive per spec.md §4.6.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(corsPermissive)
	r.Use(Instrument)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	sessionHandler := NewSessionHandler(cfg.Sessions, cfg.Log, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Log, cfg.Hub, cfg.Logger)
	requestHandler := NewRequestHandler(cfg.Requests, cfg.Waiters, cfg.Durations, cfg.Outcomes, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Waiters, cfg.Durations, cfg.Outcomes, cfg.Logger)
	completionHandler := NewCompletionHandler(cfg.Completions, cfg.Logger)
	workerHandler := NewWorkerHandler(cfg.Workers, cfg.Logger)
	systemHandler := NewSystemHandler(cfg.Sessions, cfg.Requests, cfg.Jobs, cfg.Completions, cfg.Workers, cfg.Hub, cfg.Waiters, cfg.Durations, cfg.Outcomes, cfg.Logger)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.AuthToken))

		r.Post("/sessions", sessionHandler.Create)
		r.Post("/sessions/{id}/command", sessionHandler.Command)
		r.Get("/sessions/{id}/events", streamHandler.SSE)
		r.Get("/sessions/{id}/ws", streamHandler.WS)

		r.Post("/requests/enqueue", requestHandler.Enqueue)
		r.Post("/requests/claim", requestHandler.Claim)
		r.Get("/requests", requestHandler.List)
		r.Get("/requests/{id}", requestHandler.GetByID)
		r.Post("/requests/{id}/complete", requestHandler.Complete)
		r.Post("/requests/{id}/fail", requestHandler.Fail)

		r.Post("/jobs/enqueue", jobHandler.Enqueue)
		r.Post("/jobs/claim", jobHandler.Claim)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Post("/jobs/{id}/log", jobHandler.Log)
		r.Get("/jobs/{id}/logs", jobHandler.GetLogs)
		r.Post("/jobs/{id}/complete", jobHandler.Complete)
		r.Post("/jobs/{id}/fail", jobHandler.Fail)

		r.Post("/completions/enqueue", completionHandler.Enqueue)
		r.Post("/completions/claim", completionHandler.Claim)
		r.Get("/completions", completionHandler.List)
		r.Get("/completions/{id}", completionHandler.GetByID)
		r.Post("/completions/{id}/complete", completionHandler.Process)
		r.Post("/completions/{id}/fail", completionHandler.Fail)

		r.Put("/workers/heartbeat", workerHandler.Heartbeat)
		r.Get("/workers", workerHandler.List)

		r.Get("/system/status", systemHandler.Status)
	})

	return r
}

// corsPermissive sets the permissive CORS headers spec.md §4.6 calls for
// and short-circuits preflight OPTIONS requests.
func corsPermissive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
