// Package api exposes the collaboration server's HTTP surface: the socket
// upgrade endpoint, health and metrics, and the side-band notifications the
// main application pushes when workflows change outside a socket session.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ws "github.com/flowmesh/flowmesh/internal/api/websocket"
	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

// Config holds HTTP server settings
type Config struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Server is the HTTP front of the collaboration service
type Server struct {
	config Config
	socket *ws.Server
	engine *engine.Engine
	logger observability.Logger

	httpServer *http.Server
}

// NewServer assembles the HTTP server and its routes
func NewServer(config Config, socket *ws.Server, eng *engine.Engine, metrics observability.MetricsClient, logger observability.Logger) *Server {
	s := &Server{
		config: config,
		socket: socket,
		engine: eng,
		logger: logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.handleHealth)
	if prom, ok := metrics.(*observability.PrometheusMetricsClient); ok {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
	}

	router.GET("/ws", gin.WrapF(socket.HandleWebSocket))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/workflow-deleted", s.handleWorkflowDeleted)
		apiGroup.POST("/workflow-reverted", s.handleWorkflowReverted)
		apiGroup.GET("/workflows/:id/consistency", s.handleConsistency)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	s.httpServer = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.socket.ConnectionCount(),
	})
}

type workflowNotification struct {
	WorkflowID string `json:"workflowId" binding:"required"`
}

// handleWorkflowDeleted is called by the main application after deleting a
// workflow; every session editing it is notified and evicted.
func (s *Server) handleWorkflowDeleted(c *gin.Context) {
	var req workflowNotification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId is required"})
		return
	}

	notified := s.socket.NotifyWorkflowDeleted(req.WorkflowID)
	s.logger.Info("Processed workflow deletion notice", map[string]interface{}{
		"workflow_id": req.WorkflowID,
		"notified":    notified,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "notified": notified})
}

// handleWorkflowReverted pushes a fresh snapshot to every session editing the
// reverted workflow
func (s *Server) handleWorkflowReverted(c *gin.Context) {
	var req workflowNotification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflowId is required"})
		return
	}

	notified, err := s.socket.NotifyWorkflowReverted(c.Request.Context(), req.WorkflowID)
	if err != nil {
		s.logger.Error("Failed to process workflow revert notice", map[string]interface{}{
			"workflow_id": req.WorkflowID,
			"error":       err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load workflow state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "notified": notified})
}

// handleConsistency runs the orphan-edge sweep for one workflow
func (s *Server) handleConsistency(c *gin.Context) {
	report, err := s.engine.CheckConsistency(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "consistency check failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// socket upgrades hold the connection open; logging them as requests
		// only adds noise
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	for _, origin := range s.config.AllowedOrigins {
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
