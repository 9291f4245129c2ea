// Package api provides the HTTP surface of the gateway: the gin engine,
// the proxied model endpoints for every supported dialect, the aggregated
// model listings, and the operational endpoints (health, metrics). All
// admission and forwarding logic lives behind the ProxyHandler; this
// package only routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/logging"
)

// Server is the HTTP front of the gateway.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    *config.Config
	proxy  *ProxyHandler
}

// NewServer builds the engine, middleware, and routes.
func NewServer(cfg *config.Config, proxy *ProxyHandler) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine: engine,
		cfg:    cfg,
		proxy:  proxy,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	// The dashboard paths must never be proxied: a misconfigured provider
	// pointing back at this gateway would loop through them.
	s.engine.Any("/dashboard/*path", blockDashboard)
	s.engine.Any("/v1/dashboard/*path", blockDashboard)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/messages", s.proxy.Chat)
		v1.POST("/messages/count_tokens", s.proxy.CountTokens)
		v1.POST("/chat/completions", s.proxy.Chat)
		v1.POST("/responses", s.proxy.Chat)

		v1.GET("/models", s.unifiedModelsHandler())
		v1.GET("/chat/models", s.proxy.OpenAIModels)
		v1.GET("/responses/models", s.proxy.OpenAIModels)
	}

	v1beta := s.engine.Group("/v1beta")
	{
		v1beta.GET("/models", s.proxy.GeminiModels)
		v1beta.POST("/models/:action", s.proxy.GeminiAction)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// unifiedModelsHandler routes GET /v1/models by the caller's client: the
// Claude CLI expects the Anthropic listing shape, everything else gets the
// OpenAI one.
func (s *Server) unifiedModelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
			s.proxy.ClaudeModels(c)
			return
		}
		s.proxy.OpenAIModels(c)
	}
}

func blockDashboard(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not a proxied endpoint"})
}

// Start begins listening for and serving HTTP requests. It blocks until the
// server stops.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down without interrupting active
// connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Goog-Api-Key, Anthropic-Version, Anthropic-Beta")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
