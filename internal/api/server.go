package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"ups-monitor/internal/collector"
	"ups-monitor/internal/stats"
	"ups-monitor/internal/storage"

	"github.com/gin-gonic/gin"
)

// Server is the read-only query facade the presentation layer consumes. It
// never blocks on the poll loop: latest readings come from the collector's
// snapshot and everything else reads the store directly.
type Server struct {
	router            *gin.Engine
	server            *http.Server
	collector         *collector.Collector
	db                *storage.Database
	engine            *stats.Engine
	port              int
	shutdownThreshold float64
}

type ServerConfig struct {
	Port      int
	Collector *collector.Collector
	Database  *storage.Database
	Engine    *stats.Engine

	// ShutdownThresholdPct is the charge level runtime predictions count
	// down to.
	ShutdownThresholdPct float64
}

func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:            router,
		collector:         cfg.Collector,
		db:                cfg.Database,
		engine:            cfg.Engine,
		port:              cfg.Port,
		shutdownThreshold: cfg.ShutdownThresholdPct,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/summary", s.summaryHandler)
		api.GET("/status", s.statusHandler)
		api.GET("/samples", s.samplesHandler)
		api.GET("/aggregates/:window", s.aggregateHandler)
		api.GET("/runtime", s.runtimeHandler)
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	log.Printf("API server starting on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"collecting": s.collector.IsCollecting(),
		"timestamp":  time.Now(),
	})
}

// shutdownSummary is the only view of shutdown history the facade exposes:
// no hosts, users or key material.
type shutdownSummary struct {
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Attempts        int        `json:"attempts,omitempty"`
}

// summaryHandler returns everything the presentation layer renders in one
// round trip.
func (s *Server) summaryHandler(c *gin.Context) {
	latest, err := s.db.Latest()
	if err != nil && !errors.Is(err, storage.ErrNoSamples) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	aggs, err := s.engine.ComputeAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"latest":     latest,
		"aggregates": aggs,
	}

	if secs, err := s.engine.PredictRuntime(s.shutdownThreshold); err == nil {
		resp["predicted_runtime_sec"] = int64(secs.Seconds())
	}

	ev, err := s.db.LastShutdownEvent()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ev != nil {
		resp["shutdown"] = shutdownSummary{
			LastTriggeredAt: &ev.TriggeredAt,
			Outcome:         ev.Outcome,
			Attempts:        ev.Attempts,
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) statusHandler(c *gin.Context) {
	if reading := s.collector.GetLatestReading(); reading != nil {
		c.JSON(http.StatusOK, reading)
		return
	}

	// Before the first successful poll of this process, fall back to the
	// last sample that survived the restart.
	latest, err := s.db.Latest()
	if err != nil {
		if errors.Is(err, storage.ErrNoSamples) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No data available yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (s *Server) samplesHandler(c *gin.Context) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	limitStr := c.DefaultQuery("limit", "100")

	var limit int
	fmt.Sscanf(limitStr, "%d", &limit)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	if fromStr == "" || toStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Both 'from' and 'to' are required"})
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
		return
	}

	samples, err := s.db.RangeLimited(from, to, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) aggregateHandler(c *gin.Context) {
	window, err := stats.ParseWindow(c.Param("window"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agg, err := s.engine.Compute(window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) runtimeHandler(c *gin.Context) {
	secs, err := s.engine.PredictRuntime(s.shutdownThreshold)
	if err != nil {
		if errors.Is(err, stats.ErrInsufficientData) {
			c.JSON(http.StatusOK, gin.H{"available": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":             true,
		"predicted_runtime_sec": int64(secs.Seconds()),
		"threshold_pct":         s.shutdownThreshold,
	})
}
