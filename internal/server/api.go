// Package server provides the PMD Gin-based REST API.
// All routes except /api/login and /api/health require a valid JWT.
package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Poutchouli/PMD/internal/config"
	"github.com/Poutchouli/PMD/internal/insights"
	"github.com/Poutchouli/PMD/internal/models"
	"github.com/Poutchouli/PMD/internal/monitor"
	"github.com/Poutchouli/PMD/internal/probe"
	"github.com/Poutchouli/PMD/internal/storage"
	"github.com/Poutchouli/PMD/internal/system"
)

// Server wires the HTTP handlers to the store, scheduler and insights
// engine. Constructed once at startup; tests build their own.
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	sched     *monitor.Scheduler
	engine    *insights.Engine
	collector *system.Collector

	jwtSecret []byte
	tokenTTL  time.Duration
}

// New creates a Server over the given collaborators.
func New(cfg *config.Config, store *storage.Store, sched *monitor.Scheduler, engine *insights.Engine) *Server {
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		sched:     sched,
		engine:    engine,
		collector: system.NewCollector(),
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  ttl,
	}
}

// RegisterRoutes wires up the API on the given engine.
//
//	Public:          POST /api/login, GET /api/health
//	Protected (JWT): everything else under /api
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.authMiddleware())
	{
		auth.GET("/system", s.handleSystem)

		auth.GET("/targets", s.handleTargetList)
		auth.POST("/targets", s.handleTargetCreate)
		auth.GET("/targets/export", s.handleTargetsExport)
		auth.POST("/targets/import", s.handleTargetsImport)
		auth.GET("/targets/import/template", s.handleImportTemplate)

		auth.PATCH("/targets/:id", s.handleTargetUpdate)
		auth.DELETE("/targets/:id", s.handleTargetDelete)
		auth.POST("/targets/:id/pause", s.handleTargetPause)
		auth.POST("/targets/:id/resume", s.handleTargetResume)

		auth.GET("/targets/:id/logs", s.handleTargetLogs)
		auth.GET("/targets/:id/logs/export", s.handleLogsExport)
		auth.GET("/targets/:id/events", s.handleTargetEvents)
		auth.GET("/targets/:id/insights", s.handleTargetInsights)
		auth.POST("/targets/:id/traceroute", s.handleTraceroute)
		auth.GET("/targets/:id/live", s.handleTargetLive)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// targetFromPath loads the target in :id, replying 400/404 itself when it
// cannot. Returns nil when the request has already been answered.
func (s *Server) targetFromPath(c *gin.Context) *models.Target {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil
	}
	target, err := s.store.GetTarget(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found"})
		return nil
	}
	return target
}

func intQuery(c *gin.Context, name string, def, min, max int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// timeQuery parses an optional RFC3339 query parameter. Naive timestamps
// are rejected by the format; everything is normalized to UTC.
func timeQuery(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC3339"})
		return nil, false
	}
	u := t.UTC()
	return &u, true
}

// ── Target registry ──────────────────────────────────────────────────────────

func (s *Server) handleTargetCreate(c *gin.Context) {
	var body struct {
		IP        string  `json:"ip" binding:"required"`
		Frequency int     `json:"frequency"`
		URL       *string `json:"url"`
		Notes     *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	parsed := net.ParseIP(body.IP)
	if parsed == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid IP address"})
		return
	}
	if body.Frequency == 0 {
		body.Frequency = 1
	}
	if body.Frequency < 1 || body.Frequency > 3600 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frequency must be between 1 and 3600 seconds"})
		return
	}

	ctx := c.Request.Context()
	existing, err := s.store.GetTargetByIP(ctx, parsed.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "IP already monitored"})
		return
	}

	target := models.Target{
		IPAddress:  parsed.String(),
		Frequency:  body.Frequency,
		IsActive:   true,
		DisplayURL: body.URL,
		Notes:      body.Notes,
	}
	if err := s.store.CreateTarget(ctx, &target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.sched.Start(ctx, target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Started tracking " + target.IPAddress,
		"id":      target.ID,
	})
}

func (s *Server) handleTargetList(c *gin.Context) {
	targets, err := s.store.ListTargets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]models.TargetOut, 0, len(targets))
	for i := range targets {
		out = append(out, targets[i].Out())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTargetUpdate(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}

	var body struct {
		Frequency *int    `json:"frequency"`
		URL       *string `json:"url"`
		Notes     *string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.Frequency != nil {
		if *body.Frequency < 1 || *body.Frequency > 3600 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frequency must be between 1 and 3600 seconds"})
			return
		}
		target.Frequency = *body.Frequency
	}
	if body.URL != nil {
		if *body.URL == "" {
			target.DisplayURL = nil
		} else {
			target.DisplayURL = body.URL
		}
	}
	if body.Notes != nil {
		if *body.Notes == "" {
			target.Notes = nil
		} else {
			target.Notes = body.Notes
		}
	}

	if err := s.store.SaveTarget(c.Request.Context(), target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, target.Out())
}

func (s *Server) handleTargetPause(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	ctx := c.Request.Context()
	if err := s.store.SetTargetActive(ctx, target.ID, false); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.Stop(ctx, target.ID, "Tracking paused"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tracking paused", "id": target.ID})
}

func (s *Server) handleTargetResume(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	ctx := c.Request.Context()
	if err := s.store.SetTargetActive(ctx, target.ID, true); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.sched.Start(ctx, *target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Tracking resumed", "id": target.ID})
}

// handleTargetDelete stops the loop first: a target row may only disappear
// once its loop is confirmed stopped.
func (s *Server) handleTargetDelete(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	ctx := c.Request.Context()
	if err := s.sched.Stop(ctx, target.ID, "Tracking stopped and target deleted"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.DeleteTarget(ctx, target.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Target deleted", "id": target.ID})
}

// ── History ──────────────────────────────────────────────────────────────────

func (s *Server) handleTargetLogs(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	limit := intQuery(c, "limit", 100, 1, 1000)

	logs, err := s.store.RecentPings(c.Request.Context(), target.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Newest-first from the store; callers want chronological order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) handleTargetEvents(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	start, ok := timeQuery(c, "start")
	if !ok {
		return
	}
	end, ok := timeQuery(c, "end")
	if !ok {
		return
	}
	if start != nil && end != nil && !start.Before(*end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be before end"})
		return
	}
	limit := intQuery(c, "limit", 500, 1, 5000)

	events, err := s.store.QueryEvents(c.Request.Context(), target.ID, start, end, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	c.JSON(http.StatusOK, events)
}

// ── Insights & diagnostics ───────────────────────────────────────────────────

func (s *Server) handleTargetInsights(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	start, ok := timeQuery(c, "start")
	if !ok {
		return
	}
	end, ok := timeQuery(c, "end")
	if !ok {
		return
	}

	params := insights.Params{
		WindowMinutes: intQuery(c, "window_minutes", insights.DefaultWindowMinutes, 1, 24*60*30),
		BucketSeconds: intQuery(c, "bucket_seconds", insights.DefaultBucketSeconds, 10, 21600),
		MaxSamples:    intQuery(c, "max_samples", insights.MaxSamples, 100, insights.MaxSamples),
		Start:         start,
		End:           end,
	}

	report, err := s.engine.Compute(c.Request.Context(), uint(id), params)
	switch {
	case errors.Is(err, insights.ErrTargetNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found"})
	case errors.Is(err, insights.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, report)
	}
}

func (s *Server) handleTraceroute(c *gin.Context) {
	target := s.targetFromPath(c)
	if target == nil {
		return
	}
	maxHops := intQuery(c, "max_hops", 20, 1, 64)
	timeoutSec := intQuery(c, "timeout", 25, 1, 120)

	result, err := probe.Traceroute(c.Request.Context(), target.IPAddress,
		maxHops, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target_id":   target.ID,
		"target_ip":   target.IPAddress,
		"started_at":  result.StartedAt,
		"finished_at": result.FinishedAt,
		"duration_ms": result.DurationMs,
		"hops":        result.Hops,
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Collect())
}
