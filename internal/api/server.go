// Package api serves the cell's HTTP surface: probes, metrics, status, the
// job list and a server-sent event stream of operator notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BMS-GM/pick-point/internal/emitter"
	"github.com/BMS-GM/pick-point/internal/jobstore"
	"github.com/BMS-GM/pick-point/internal/observability"
	"github.com/BMS-GM/pick-point/internal/types"
)

// Backend is the running cell as seen by the API
type Backend interface {
	// Readiness reports whether the cell can work and a detailed report
	Readiness() (bool, any)
	Status() any
	Uptime() time.Duration
	ListJobs(ctx context.Context) ([]types.Job, error)
	CreateJob(ctx context.Context, name string, items []types.Item) error
	ResetJobs(ctx context.Context) error
	// Stop asks the cell to shut down
	Stop() error
}

// Server wraps the gin router and its http.Server
type Server struct {
	backend   Backend
	metrics   *observability.Registry
	hub       *emitter.Hub
	heartbeat time.Duration

	router   *gin.Engine
	srv      *http.Server
	listener net.Listener
	closing  chan struct{}
	stopOnce sync.Once
}

// Option configures optional server parts
type Option func(*Server)

// WithMetrics serves r on /metrics
func WithMetrics(r *observability.Registry) Option {
	return func(s *Server) { s.metrics = r }
}

// WithEvents streams hub notifications on /api/v1/events
func WithEvents(h *emitter.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithHeartbeat sets the SSE keep-alive interval
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer builds the router
func NewServer(backend Backend, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		backend:   backend,
		heartbeat: 15 * time.Second,
		router:    gin.New(),
		closing:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.liveness)
	s.router.GET("/readiness", s.readiness)
	s.router.GET("/metrics", s.renderMetrics)

	v1 := s.router.Group("/api/v1")
	v1.GET("/status", s.status)
	v1.GET("/jobs", s.listJobs)
	v1.POST("/jobs", s.createJob)
	v1.POST("/jobs/reset", s.resetJobs)
	v1.POST("/stop", s.stop)
	v1.GET("/events", s.events)
}

// Start binds addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:     s.router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: the event stream stays open
	}

	slog.Info("starting http api",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/api/v1/status", "/api/v1/jobs", "/api/v1/events"},
	)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http api failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown ends open event streams, stops accepting requests and waits
// for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.closing) })
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// liveness handles /health: 200 while the process runs
func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(s.backend.Uptime().Seconds()),
	})
}

// readiness handles /readiness: 503 when the cell cannot work
func (s *Server) readiness(c *gin.Context) {
	ready, report := s.backend.Readiness()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) renderMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.String(http.StatusOK, "")
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(s.metrics.RenderPrometheus()))
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.backend.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// JobRequest is the body of POST /api/v1/jobs
type JobRequest struct {
	Name  string `json:"name" binding:"required"`
	Items []struct {
		Type      string `json:"type" binding:"required"`
		Placement string `json:"placement"`
	} `json:"items" binding:"required,min=1,dive"`
}

func (s *Server) createJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]types.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, types.Item{Type: it.Type, Placement: it.Placement})
	}
	if err := s.backend.CreateJob(c.Request.Context(), req.Name, items); err != nil {
		c.JSON(jobErrorCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "items": len(items), "status": types.JobIncomplete})
}

func jobErrorCode(err error) int {
	switch {
	case errors.Is(err, jobstore.ErrJobExists):
		return http.StatusConflict
	case errors.Is(err, jobstore.ErrInvalidJob):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) resetJobs(c *gin.Context) {
	if err := s.backend.ResetJobs(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) stop(c *gin.Context) {
	if err := s.backend.Stop(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
}

// events streams notifications as server-sent events, recent ones first
func (s *Server) events(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	notifications, cancel := s.hub.Subscribe(64)
	defer cancel()

	for _, n := range s.hub.Recent() {
		writeEvent(c, n)
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-s.closing:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			writeEvent(c, n)
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		}
	}
}

func writeEvent(c *gin.Context, n emitter.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: notification\n")
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
