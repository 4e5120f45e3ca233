// Package telemetry exposes the read-mostly HTTP API: queue statistics,
// session inventory, item lookups, named queries, and the live event stream.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/common/logger"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Config controls the HTTP listener.
type Config struct {
	Host string
	Port int
}

// Server is the telemetry and control-plane HTTP server.
type Server struct {
	queue    *queue.Store
	registry *registry.Store
	rules    *rules.Service
	reader   *sqlx.DB
	bus      bus.EventBus
	logger   *logger.Logger

	engine *gin.Engine
	http   *http.Server
	hub    *streamHub
	cache  *queryCache
}

// NewServer wires the routes. reader is the read-only database handle used by
// named queries.
func NewServer(q *queue.Store, reg *registry.Store, svc *rules.Service, reader *sqlx.DB, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		queue:    q,
		registry: reg,
		rules:    svc,
		reader:   reader,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "telemetry")),
		engine:   engine,
		cache:    newQueryCache(),
		hub:      newStreamHub(eventBus, log),
	}
	s.routes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", s.hub.handleWebsocket)

	api := s.engine.Group("/api/v1")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:name", s.handleGetSession)

		api.POST("/items", s.handleEnqueue)
		api.GET("/items", s.handleListItems)
		api.GET("/items/:id", s.handleGetItem)
		api.GET("/items/:id/events", s.handleItemEvents)
		api.POST("/items/:id/cancel", s.handleCancel)
		api.POST("/items/:id/retry", s.handleRetry)
		api.POST("/items/:id/archive", s.handleArchive)

		api.GET("/queries", s.handleListQueries)
		api.POST("/queries/:name", s.handleRunQuery)
		api.GET("/queries/:name", s.handleRunQuery)

		api.POST("/config/reload", s.handleConfigReload)
		api.GET("/config/rules", s.handleShowRules)
	}
}

// Start begins serving and launches the event stream hub.
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.start(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Telemetry API listening", zap.String("addr", s.http.Addr))
	return nil
}

// Stop drains connections and shuts down the stream hub.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
