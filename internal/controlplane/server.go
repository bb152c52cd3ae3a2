// Package controlplane exposes a Store over HTTP so runner processes can
// share the algorithm's store, and provides the matching client.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

const (
	serviceName = "lightning-controlplane"

	// maxWaitTimeout caps a single long-poll on the wait route.
	maxWaitTimeout = 5 * time.Minute
)

type errorResponse struct {
	Error string `json:"error"`
}

type enqueueRequest struct {
	Input    map[string]interface{} `json:"input,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type dequeueRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type workerRequest struct {
	Stats map[string]interface{} `json:"stats,omitempty"`
}

type waitRequest struct {
	RolloutIDs     []string `json:"rollout_ids"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
}

// Server serves the store operations under /v1 plus /health and, when a
// registry is given, /metrics.
type Server struct {
	store   lstore.Store
	log     llog.Logger
	engine  *gin.Engine
	server  *http.Server
	addr    net.Addr
	errChan chan error
}

// NewServer builds the router for st. reg may be nil. The gin mode is
// process-wide and left to the entrypoint.
func NewServer(st lstore.Store, reg *prometheus.Registry, log llog.Logger) *Server {
	s := &Server{
		store:   st,
		log:     log.With("component", "controlplane"),
		errChan: make(chan error, 1),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/rollouts", s.handleEnqueue)
		v1.POST("/rollouts/dequeue", s.handleDequeue)
		v1.POST("/rollouts/wait", s.handleWait)
		v1.PATCH("/rollouts/:rollout_id/attempts/:attempt_id", s.handleUpdateAttempt)
		v1.GET("/rollouts/:rollout_id/spans", s.handleQuerySpans)
		v1.POST("/spans", s.handleAddSpan)
		v1.PUT("/workers/:worker_id", s.handleUpdateWorker)
	}
	s.engine = router
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds host:port synchronously and serves in the background.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Control plane server stopped: %v", err)
			s.errChan <- err
		}
	}()
	s.log.Infof("Control plane listening on %s", s.addr)
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr { return s.addr }

// Err returns a serve error, if any, without blocking.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.LogCtx(c.Request.Context(), slog.LevelDebug, "Handled request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, lstore.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Warnf("Store operation %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := s.store.EnqueueRollout(c.Request.Context(), req.Input, req.Metadata)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleDequeue(c *gin.Context) {
	var req dequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	r, err := s.store.DequeueRollout(c.Request.Context(), req.WorkerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if r == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleUpdateAttempt(c *gin.Context) {
	var update lstore.AttemptUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, err)
		return
	}
	a, err := s.store.UpdateAttempt(c.Request.Context(), c.Param("rollout_id"), c.Param("attempt_id"), update)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleUpdateWorker(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	w, err := s.store.UpdateWorker(c.Request.Context(), c.Param("worker_id"), req.Stats)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleAddSpan(c *gin.Context) {
	var span lstore.Span
	if err := c.ShouldBindJSON(&span); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.store.AddSpan(c.Request.Context(), span)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleQuerySpans(c *gin.Context) {
	spans, err := s.store.QuerySpans(c.Request.Context(), c.Param("rollout_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spans)
}

func (s *Server) handleWait(c *gin.Context) {
	var req waitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.TimeoutSeconds < 0 {
		badRequest(c, fmt.Errorf("timeout_seconds must not be negative"))
		return
	}
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	rollouts, err := s.store.QueryOrWaitForRollouts(c.Request.Context(), req.RolloutIDs, timeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rollouts)
}
