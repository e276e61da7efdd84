package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"perp-paper-trader/config"
	"perp-paper-trader/internal/database"
	"perp-paper-trader/internal/engine"
	"perp-paper-trader/internal/indicator"
	"perp-paper-trader/internal/logging"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Server exposes the REST and WebSocket surface of the engine.
type Server struct {
	cfg    config.APIConfig
	engine *engine.Engine
	repo   *database.Repository
	hub    *Hub
	http   *http.Server
	log    zerolog.Logger
}

// NewServer wires routes over the engine. repo may be nil; history
// endpoints then report storage as unavailable.
func NewServer(cfg config.APIConfig, eng *engine.Engine, repo *database.Repository, hub *Hub) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		cfg:    cfg,
		engine: eng,
		repo:   repo,
		hub:    hub,
		log:    logging.Component("api"),
	}

	base := router.Group(cfg.BasePath)
	{
		base.GET("/health", s.handleHealth)
		base.GET("/strategies", s.handleStrategies)
		base.GET("/status", s.handleStatus)
		base.GET("/klines", s.handleKlines)
		base.GET("/indicators", s.handleIndicators)
		base.GET("/conditions", s.handleConditions)
		base.GET("/trades", s.handleTrades)
		base.GET("/ledger", s.handleLedger)
		base.GET("/equity", s.handleEquity)
		base.POST("/db/reset", s.handleReset)
	}
	router.GET("/ws/status", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request, kindStatus)
	})
	router.GET("/ws/stream", func(c *gin.Context) {
		hub.Serve(c.Writer, c.Request, kindStream)
	})

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("api listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"conn_state":  s.engine.ConnState(),
		"degraded":    s.engine.Degraded(),
		"memory_only": s.engine.MemoryOnly(),
	})
}

func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"strategies": s.engine.Strategies(),
		"default":    s.engine.DefaultStrategyID(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	view := r.View()
	c.JSON(http.StatusOK, gin.H{
		"balance":     view.Balance,
		"equity":      view.Equity,
		"upl":         view.UPL,
		"margin_used": view.MarginUsed,
		"free_margin": view.FreeMargin,
		"position":    view.Position,
		"liq_price":   view.LiqPrice,
		"quarantined": r.Quarantined(),
	})
}

func (s *Server) handleKlines(c *gin.Context) {
	interval := c.DefaultQuery("interval", s.engine.Intervals()[0])
	limit := s.limit(c, defaultPageLimit)
	bars := s.engine.Klines(interval, limit)
	c.JSON(http.StatusOK, gin.H{
		"symbol":   s.engine.Symbol(),
		"interval": interval,
		"klines":   bars,
	})
}

func (s *Server) handleIndicators(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	interval := c.DefaultQuery("interval", s.engine.Intervals()[0])
	limit := s.limit(c, defaultPageLimit)
	c.JSON(http.StatusOK, gin.H{
		"interval": interval,
		"history":  r.IndicatorHistory(interval, limit),
		"hints":    indicator.PlotHints(),
	})
}

func (s *Server) handleConditions(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":   r.ID(),
		"conditions": r.Checklist(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	if s.repo == nil {
		s.storageUnavailable(c)
		return
	}
	limit, offset := s.page(c)
	trades, err := s.repo.Trades(c.Request.Context(), r.ID(), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "limit": limit, "offset": offset})
}

func (s *Server) handleLedger(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	if s.repo == nil {
		s.storageUnavailable(c)
		return
	}
	limit, offset := s.page(c)
	entries, err := s.repo.Ledger(c.Request.Context(), r.ID(), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": entries, "limit": limit, "offset": offset})
}

func (s *Server) handleEquity(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	if s.repo == nil {
		s.storageUnavailable(c)
		return
	}
	limit, offset := s.page(c)
	snaps, err := s.repo.Equity(c.Request.Context(), r.ID(), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": snaps, "limit": limit, "offset": offset})
}

func (s *Server) handleReset(c *gin.Context) {
	strategyID := c.Query("strategy")
	if strategyID == "" {
		strategyID = s.engine.DefaultStrategyID()
	}
	if err := s.engine.Reset(c.Request.Context(), strategyID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": strategyID})
}

// runner resolves the strategy query parameter, defaulting to the first
// configured instance.
func (s *Server) runner(c *gin.Context) (*engine.Runner, bool) {
	id := c.Query("strategy")
	if id == "" {
		id = s.engine.DefaultStrategyID()
	}
	r, ok := s.engine.Runner(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown strategy %q", id)})
		return nil, false
	}
	return r, true
}

func (s *Server) limit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxPageLimit {
		return maxPageLimit
	}
	return n
}

func (s *Server) page(c *gin.Context) (limit, offset int) {
	limit = s.limit(c, defaultPageLimit)
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) storageUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
