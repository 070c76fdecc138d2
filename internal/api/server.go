// Package api provides the HTTP presentation API for nostrmeet. It exposes
// the discovery service to a map front end: viewport updates, the nearby
// check-in list, publishing, topic scans, relay management and diagnostics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/api/middleware"
	"github.com/nostrmeet/nostrmeet/internal/config"
	"github.com/nostrmeet/nostrmeet/internal/discovery"
	"github.com/nostrmeet/nostrmeet/internal/logging"
	"github.com/nostrmeet/nostrmeet/internal/metrics"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	catalog            *topics.Catalog
	now                func() time.Time
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends middleware after the defaults.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator lets callers touch the engine before routes are added.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithCatalog sets the persona catalog. The default is topics.DefaultCatalog.
func WithCatalog(c *topics.Catalog) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.catalog = c
	}
}

// WithClock sets the clock used for default check-in windows.
func WithClock(now func() time.Time) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.now = now
	}
}

// Server represents the API server.
type Server struct {
	engine *gin.Engine
	server *http.Server

	svc     *discovery.Service
	catalog *topics.Catalog
	now     func() time.Time
	conns   *middleware.ConnectionTracker

	// cfgHolder provides race-safe config snapshots across hot reloads.
	cfgHolder atomic.Value
}

// NewServer creates the server and registers every route.
func NewServer(cfg *config.Config, svc *discovery.Service, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}
	conns := &middleware.ConnectionTracker{}

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(conns.Middleware())
	engine.Use(metrics.PrometheusMiddleware())
	engine.Use(middleware.RequestDecompressionMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())

	s := &Server{
		engine:  engine,
		svc:     svc,
		catalog: optionState.catalog,
		now:     optionState.now,
		conns:   conns,
	}
	if s.catalog == nil {
		s.catalog = topics.DefaultCatalog()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.cfgHolder.Store(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", metrics.MetricsHandler())

	v0 := s.engine.Group("/v0")
	{
		v0.POST("/viewport", s.handleViewport)

		v0.GET("/checkins", s.handleListCheckIns)
		v0.POST("/checkins", s.handlePublish)

		v0.POST("/scan", s.handleScan)
		v0.GET("/scan", s.handleLastScan)
		v0.DELETE("/scan", s.handleClearScan)

		v0.GET("/relays", s.handleListRelays)
		v0.POST("/relays", s.handleAddRelay)
		v0.DELETE("/relays", s.handleRemoveRelay)

		v0.GET("/personas", s.handlePersonas)
		v0.GET("/identity", s.handleIdentity)
		v0.GET("/logs", s.handleLogs)
		v0.POST("/session/reset", s.handleReset)
	}
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies a reloaded config. Relay changes reach the service
// immediately; host and port changes need a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	old := s.getConfig()
	s.cfgHolder.Store(cfg)
	if old != nil && (old.Host != cfg.Host || old.Port != cfg.Port) {
		log.Warn("listen address changed; restart to apply")
	}
	metrics.SetMetricsEnabled(cfg.Metrics)
	logging.SetLogLevel(cfg.LogLevel)
	if old == nil || !slices.Equal(old.Relays, cfg.Relays) {
		s.svc.SetRelays(cfg.Relays)
		log.WithField("relays", cfg.Relays).Info("relay list reloaded")
	}
}

func (s *Server) getConfig() *config.Config {
	cfg, _ := s.cfgHolder.Load().(*config.Config)
	return cfg
}

// corsMiddleware allows the map front end to be served from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
