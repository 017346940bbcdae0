package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/obs/otel"
	"github.com/tingly-dev/tingly-relay/internal/pipeline"
	"github.com/tingly-dev/tingly-relay/internal/record"
	"github.com/tingly-dev/tingly-relay/internal/server/middleware"
)

// Server is the relay HTTP server.
type Server struct {
	store      *config.Store
	driver     *pipeline.Driver
	engine     *gin.Engine
	httpServer *http.Server
	clientPool *ClientPool
	recordSink *record.Sink
	tracker    *otel.PipelineTracker
	logger     *logrus.Logger
	version    string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithRecordSink records every relayed response to sink.
func WithRecordSink(sink *record.Sink) ServerOption {
	return func(s *Server) {
		s.recordSink = sink
	}
}

// WithTracker reports request and pipeline metrics to tracker.
func WithTracker(tracker *otel.PipelineTracker) ServerOption {
	return func(s *Server) {
		s.tracker = tracker
	}
}

// WithDriver replaces the pipeline driver, e.g. to add stages.
func WithDriver(driver *pipeline.Driver) ServerOption {
	return func(s *Server) {
		s.driver = driver
	}
}

// WithLogger sets the access logger.
func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server serving the configuration held by store.
func NewServer(store *config.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:      store,
		clientPool: NewClientPool(),
		logger:     logrus.StandardLogger(),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.driver == nil {
		s.driver = pipeline.NewDriver(nil)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.AccessLog(s.logger))
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.Health)

	for _, prefix := range []string{"/v1", "/openai/v1"} {
		group := s.engine.Group(prefix)
		group.POST("/chat/completions", s.ChatCompletions)
		group.GET("/models", s.ListModels)
	}
}

// OnConfigReload drops cached upstream clients. Register it with the
// config watcher.
func (s *Server) OnConfigReload(*config.Config) {
	s.clientPool.Clear()
	logrus.Info("Configuration reloaded, upstream clients reset")
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	logrus.Infof("OpenAI chat endpoint: http://%s/v1/chat/completions", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

// Stop shuts the server down gracefully and releases upstream clients.
func (s *Server) Stop(ctx context.Context) error {
	defer s.clientPool.Clear()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
