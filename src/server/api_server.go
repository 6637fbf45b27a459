package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// LatestReader is the read side of the latest-state cache.
type LatestReader interface {
	Get(key string) (models.Envelope, bool)
	Snapshot() []models.Envelope
}

// MetricsReader exposes pipeline counters.
type MetricsReader interface {
	Metrics() models.MPipelineMetrics
}

// StatusReader reports per-source watcher state.
type StatusReader interface {
	States() []models.MSource
}

// -----------------------------------------------------------------------------
// APIServer
// -----------------------------------------------------------------------------

type APIServer struct {
	Config *models.MConfig
	Logger *logger.Logger
	engine *gin.Engine

	hub       *fanout.Hub
	latest    LatestReader
	metrics   MetricsReader
	status    StatusReader
	commander interfaces.IModeCommander
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

// NewAPIServer builds the gin engine. status may be nil until the watchers
// are running.
func NewAPIServer(cfg *models.MConfig, hub *fanout.Hub, latest LatestReader, metrics MetricsReader, status StatusReader, commander interfaces.IModeCommander, l *logger.Logger) *APIServer {
	if l == nil {
		l = logger.NewLogger(cfg, "APIServer")
	}
	if !strings.EqualFold(cfg.LogLevel, "DEBUG") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &APIServer{
		Config:    cfg,
		Logger:    l,
		engine:    gin.New(),
		hub:       hub,
		latest:    latest,
		metrics:   metrics,
		status:    status,
		commander: commander,
	}
	s.engine.Use(gin.Recovery())

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *APIServer) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/latest/:source", s.getLatest)
	api.GET("/latest/:source/:device", s.getLatestDevice)
	api.POST("/set-mode", s.setMode)
	api.GET("/metrics", s.getMetrics)
	api.GET("/config", s.getConfig)
	api.GET("/health", s.getHealth)

	// Routes the original dashboards call
	s.engine.GET("/latest", s.getLatestCombined)
	s.engine.POST("/set-mode", s.setMode)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the engine, mostly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *APIServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("Starting server on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Logger.Warning("HTTP shutdown: %v", err)
		return err
	}
	s.Logger.Info("HTTP server stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *APIServer) getLatest(c *gin.Context) {
	source := models.SourceName(c.Param("source"))
	if !source.IsKnown() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		return
	}
	s.respondLatest(c, string(source))
}

// -----------------------------------------------------------------------------

func (s *APIServer) getLatestDevice(c *gin.Context) {
	if models.SourceName(c.Param("source")) != models.SourceDeviceMessage {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		return
	}
	s.respondLatest(c, string(models.SourceDeviceMessage)+"/"+c.Param("device"))
}

// -----------------------------------------------------------------------------

func (s *APIServer) getLatestCombined(c *gin.Context) {
	s.respondLatest(c, string(models.SourceCombinedTicks))
}

func (s *APIServer) respondLatest(c *gin.Context, key string) {
	env, ok := s.latest.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data"})
		return
	}
	c.JSON(http.StatusOK, env)
}

// -----------------------------------------------------------------------------

func (s *APIServer) setMode(c *gin.Context) {
	var cmd models.MModeCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.commander.SetMode(c.Request.Context(), cmd.Mode); err != nil {
		if helpers.IsInvalidCommand(err) {
			s.Logger.Warning("Rejected mode command: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":         err.Error(),
				"allowed_modes": s.commander.AllowedModes(),
			})
			return
		}
		s.Logger.Error("Mode command failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream write failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "mode": cmd.Mode})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getMetrics(c *gin.Context) {
	var m models.MPipelineMetrics
	if s.metrics != nil {
		m = s.metrics.Metrics()
	}
	m.Viewers = s.hub.Count()
	m.DroppedViewers = s.hub.Dropped()
	c.JSON(http.StatusOK, m)
}

// -----------------------------------------------------------------------------

func (s *APIServer) getConfig(c *gin.Context) {
	sources := make([]string, 0, len(s.Config.Pipeline.Sources))
	for _, src := range s.Config.Pipeline.Sources {
		sources = append(sources, src.Name)
	}
	c.JSON(http.StatusOK, gin.H{
		"sources":       sources,
		"allowed_modes": s.commander.AllowedModes(),
		"viewer_buffer": s.Config.Pipeline.ViewerBuffer,
	})
}

// -----------------------------------------------------------------------------

func (s *APIServer) getHealth(c *gin.Context) {
	var latest int64
	for _, env := range s.latest.Snapshot() {
		if ts := env.At().UnixMilli(); ts > latest {
			latest = ts
		}
	}

	sources := []models.MSource{}
	if s.status != nil {
		sources = s.status.States()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"connections":   s.hub.Count(),
		"sources":       sources,
		"latest_update": latest,
	})
}
