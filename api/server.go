// Package api exposes the operator dashboard and control endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gridbot/config"
	"gridbot/engine"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/store"
)

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	cfg        *config.Config
	engine     *engine.Engine
	store      *store.Store
	httpServer *http.Server
	port       int
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, eng *engine.Engine, st *store.Store, port int) *Server {
	// Release mode keeps gin quiet
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		cfg:    cfg,
		engine: eng,
		store:  st,
		port:   port,
	}

	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/config", s.handleConfig)
		api.GET("/grid/levels", s.handleGridLevels)
		api.GET("/grid/history", s.handleGridHistory)
		api.GET("/risk/metrics", s.handleRiskMetrics)
		api.GET("/events", s.handleEvents)
		api.GET("/trades/recent", s.handleRecentTrades)
		api.GET("/positions", s.handlePositions)
		api.GET("/equity/chart", s.handleEquityChart)
		api.GET("/pnl", s.handlePnL)

		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.POST("/profile/change", s.handleProfileChange)
		api.POST("/risk/reset-kill-switch", s.handleResetKillSwitch)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		logger.Infof("[API] listening on :%d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[API] server error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

// handleConfig returns the running configuration. Credentials never live in
// the config, so the view is safe to expose as-is.
func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trading":   s.cfg.Trading,
		"profiles":  s.cfg.Profiles,
		"grid":      s.cfg.Grid,
		"recenter":  s.cfg.Recenter,
		"risk":      s.cfg.Risk,
		"intervals": s.cfg.Intervals,
	})
}

func (s *Server) handleGridLevels(c *gin.Context) {
	levels := s.engine.Levels()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(levels),
		"levels": levels,
	})
}

func (s *Server) handleGridHistory(c *gin.Context) {
	records, err := s.store.Grid().GetLatest(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

func (s *Server) handleRiskMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot().Risk)
}

func (s *Server) handleEvents(c *gin.Context) {
	events, err := s.store.Event().GetLatest(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	trades, err := s.store.Trade().GetLatest(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.store.Position().GetAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleEquityChart(c *gin.Context) {
	snapshots, err := s.store.Equity().GetLatest(500)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": snapshots})
}

func (s *Server) handlePnL(c *gin.Context) {
	profit, fees, err := s.store.Trade().Totals()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	trades24h, _ := s.store.Trade().CountSince(time.Now().Add(-24 * time.Hour))
	c.JSON(http.StatusOK, gin.H{
		"realized_profit": profit,
		"total_fees":      fees,
		"net":             profit - fees,
		"trades_24h":      trades24h,
	})
}

// handleStart starts the engine; starting a running engine is a no-op.
func (s *Server) handleStart(c *gin.Context) {
	if err := s.engine.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": s.engine.Running()})
}

// handleStop stops the engine; stopping a stopped engine is a no-op.
func (s *Server) handleStop(c *gin.Context) {
	if err := s.engine.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": s.engine.Running()})
}

func (s *Server) handleProfileChange(c *gin.Context) {
	var req struct {
		Profile string `json:"profile" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile name required"})
		return
	}

	p, ok := s.cfg.Profiles[req.Profile]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown profile %q", req.Profile)})
		return
	}

	err := s.engine.ChangeProfile(grid.Profile{
		Name:                 req.Profile,
		SpacingFraction:      p.SpacingFraction,
		LevelCount:           p.LevelCount,
		ProfitTargetFraction: p.ProfitTargetFraction,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": req.Profile})
}

func (s *Server) handleResetKillSwitch(c *gin.Context) {
	s.engine.ClearKillSwitch()
	c.JSON(http.StatusOK, gin.H{"kill_switch_latched": false})
}
