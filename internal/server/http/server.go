// Package http exposes the decision engine over a thin gin surface. The
// server does no orchestration of tool execution; payloads arrive with
// tool outputs already resolved.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krishi/internal/config"
	"krishi/internal/engine"
	"krishi/internal/logging"
)

// APIResponse is the wrapper for auxiliary endpoints (health, intents).
// Decision responses go out unwrapped: their envelope is the contract.
type APIResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Server hosts the decision API.
type Server struct {
	eng    *engine.Engine
	router *gin.Engine
	srv    *http.Server
	cache  *lru.Cache[string, *engine.DecisionResponse]
	logger logging.Logger

	startTime time.Time
}

// NewServer wires the gin router around an engine.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, logger logging.Logger) (*Server, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
		router.Use(cors.New(corsConfig))
	}

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *engine.DecisionResponse](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	s := &Server{
		eng:       eng,
		router:    router,
		cache:     cache,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.Use(JSONMiddleware())
	api.Use(RequestIDMiddleware())

	api.GET("/health", s.handleHealth)
	api.GET("/intents", s.handleIntents)
	api.POST("/decision", s.handleDecision)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data: gin.H{
			"status": "ok",
			"uptime": time.Since(s.startTime).String(),
		},
	})
}

func (s *Server) handleIntents(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    gin.H{"intents": s.eng.Registry().Intents()},
	})
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("decision API listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping decision API")
	return s.srv.Shutdown(ctx)
}
