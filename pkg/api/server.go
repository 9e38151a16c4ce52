package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/database"
	"github.com/modelmux/modelmux/pkg/discussion"
	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/queue"
	"github.com/modelmux/modelmux/pkg/store"
)

// RouteFunc picks a provider for a message when the caller does not
// name one. Returning "" falls back to the configured default.
type RouteFunc func(message string) string

// Server hosts the gateway's REST and WebSocket surface.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	store       *store.Store
	queue       *queue.RequestQueue
	pool        *queue.WorkerPool
	discussions *discussion.Executor
	connManager *events.ConnectionManager
	bus         *events.Bus

	routeFunc      RouteFunc
	metricsHandler http.Handler

	echo       *echo.Echo
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the API surface over the gateway's services and
// registers all routes.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	st *store.Store,
	q *queue.RequestQueue,
	pool *queue.WorkerPool,
	discussions *discussion.Executor,
	connManager *events.ConnectionManager,
	bus *events.Bus,
) *Server {
	e := echo.New()

	s := &Server{
		cfg:         cfg,
		db:          db,
		store:       st,
		queue:       q,
		pool:        pool,
		discussions: discussions,
		connManager: connManager,
		bus:         bus,
		echo:        e,
		startedAt:   time.Now(),
	}

	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.Use(errorDetail(), requestLogger(), securityHeaders(), corsHeaders())
	s.registerRoutes()
	return s
}

// SetRouteFunc installs a provider auto-router consulted when a
// request names no provider.
func (s *Server) SetRouteFunc(fn RouteFunc) {
	s.routeFunc = fn
}

// SetMetricsHandler installs the Prometheus scrape handler served at
// /metrics. Without one the endpoint returns 404.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

func (s *Server) registerRoutes() {
	e := s.echo

	// Request lifecycle.
	e.POST("/api/ask", s.askHandler)
	e.GET("/api/reply/:id", s.replyHandler)
	e.DELETE("/api/request/:id", s.cancelRequestHandler)
	e.GET("/api/requests", s.listRequestsHandler)

	// Gateway introspection.
	e.GET("/api/status", s.statusHandler)
	e.GET("/api/queue", s.queueHandler)
	e.GET("/api/providers", s.providersHandler)
	e.GET("/api/health", s.healthHandler)
	e.GET("/api/costs", s.costsHandler)
	e.GET("/metrics", s.metricsEndpoint)

	// Discussions. The static templates route must not be shadowed by
	// the :id routes; echo matches static segments first.
	e.POST("/api/discussion", s.startDiscussionHandler)
	e.GET("/api/discussions", s.listDiscussionsHandler)
	e.GET("/api/discussion/templates", s.discussionTemplatesHandler)
	e.GET("/api/discussion/:id", s.getDiscussionHandler)
	e.GET("/api/discussion/:id/messages", s.discussionMessagesHandler)
	e.POST("/api/discussion/:id/continue", s.continueDiscussionHandler)
	e.DELETE("/api/discussion/:id", s.cancelDiscussionHandler)

	// Event stream.
	e.GET("/api/ws", s.wsHandler)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. It blocks, so run
// it from a goroutine.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	slog.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Serve serves on an existing listener. It blocks, so run it from a
// goroutine.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("API server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight HTTP requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// publish sends an event to the bus when one is attached.
func (s *Server) publish(eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(models.NewEvent(eventType, data))
}
