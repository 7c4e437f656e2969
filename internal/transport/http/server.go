// Package http provides the HTTP transport layer for epochstore.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /queues
//	GET    /queues
//	DELETE /queues/{name}
//	POST   /queues/{name}/elements
//	GET    /queues/{name}/elements
//	DELETE /queues/{name}/elements/{seq}
//	GET    /queues/{name}/restore/ws
//	POST   /queues/{name}/publish
//	GET    /queues/{name}/poll
//	DELETE /queues/{name}/deliveries/{receipt}
//	POST   /queues/{name}/deliveries/{receipt}/nack
//	GET    /metrics
//	GET    /api/stats
//
// The elements routes drive the store directly with caller-chosen sequence
// numbers. The publish, poll, and deliveries routes go through the reference
// queue, which assigns sequences itself; mixing both on one queue yields
// sequence-order conflicts.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/epochstore/internal/config"
	"github.com/snehjoshi/epochstore/internal/metrics"
	"github.com/snehjoshi/epochstore/internal/queue"
	transportws "github.com/snehjoshi/epochstore/internal/transport/websocket"
)

// Deps are the components the HTTP server routes to.
type Deps struct {
	Store   Store
	Queues  *queue.Manager
	Metrics *metrics.Registry // nil disables /metrics
	Logger  *slog.Logger
	NodeID  string
}

// Server wraps the stdlib HTTP server with epochstore route wiring.
type Server struct {
	inner           *http.Server
	shutdownTimeout time.Duration
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{store: d.Store, queues: d.Queues, nodeID: d.NodeID, start: time.Now()}
	ws := &transportws.Handler{Store: d.Store, PageSize: cfg.Store.RestoreBatchSize, Logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Queue management
	mux.HandleFunc("POST /queues", h.createQueue)
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("DELETE /queues/{name}", h.deleteQueue)

	// Store elements
	mux.HandleFunc("POST /queues/{name}/elements", h.persistElement)
	mux.HandleFunc("GET /queues/{name}/elements", h.restoreElements)
	mux.HandleFunc("DELETE /queues/{name}/elements/{seq}", h.deleteElement)
	mux.Handle("GET /queues/{name}/restore/ws", ws)

	// Reference queue
	mux.HandleFunc("POST /queues/{name}/publish", h.publish)
	mux.HandleFunc("GET /queues/{name}/poll", h.poll)
	mux.HandleFunc("DELETE /queues/{name}/deliveries/{receipt}", h.ack)
	mux.HandleFunc("POST /queues/{name}/deliveries/{receipt}/nack", h.nack)
	mux.HandleFunc("GET /api/stats", h.statsAPI)

	// Metrics (Prometheus text format)
	if d.Metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware(int64(cfg.HTTP.MaxBodyKB)<<10),
		LoggingMiddleware(logger),
		MetricsMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.HTTP.RequestsPerSec), cfg.HTTP.RequestBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		shutdownTimeout: time.Duration(cfg.HTTP.ShutdownTimeoutS) * time.Second,
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to the configured shutdown
// timeout for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.inner.Shutdown(ctx)
}
