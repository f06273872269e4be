// Package server exposes the conductor over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/pipeline"
	"github.com/zen-systems/careflow/pkg/schema"
)

// TraceHeader carries the trace id on requests and responses.
const TraceHeader = "X-Trace-ID"

const traceKey = "trace_id"

// Triager is the conductor surface the server needs.
type Triager interface {
	Triage(ctx context.Context, req *schema.TriageRequest) *schema.TriageResponse
	BatchTriage(ctx context.Context, reqs []*schema.TriageRequest) (*pipeline.BatchOutcome, error)
	HealthCheck(ctx context.Context) *pipeline.HealthReport
}

// Server serves the triage API.
type Server struct {
	triager Triager
	logger  *zap.Logger
	http    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server backed by triager.
func NewServer(triager Triager, opts ...Option) *Server {
	s := &Server{triager: triager, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRouter builds the gin engine with all routes.
func (s *Server) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.traceMiddleware(), s.logMiddleware())

	v1 := r.Group("/v1")
	v1.POST("/triage", s.Triage)
	v1.POST("/triage/batch", s.BatchTriage)
	v1.GET("/health", s.Health)
	return r
}

// BatchRequest is the body of POST /v1/triage/batch.
type BatchRequest struct {
	Requests []*schema.TriageRequest `json:"requests"`
}

// Triage handles POST /v1/triage. Only malformed input is answered with a
// 4xx; pipeline failures return 200 with a degraded body.
func (s *Server) Triage(c *gin.Context) {
	traceID := c.GetString(traceKey)

	var req schema.TriageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(traceID, "request body is not valid JSON", err))
		return
	}

	ctx := pipeline.WithTraceID(c.Request.Context(), traceID)
	resp := s.triager.Triage(ctx, &req)
	if resp.Status == schema.StatusRejected {
		c.JSON(http.StatusBadRequest, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// BatchTriage handles POST /v1/triage/batch. Each item gets its own trace id.
func (s *Server) BatchTriage(c *gin.Context) {
	traceID := c.GetString(traceKey)

	var body BatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(traceID, "request body is not valid JSON", err))
		return
	}

	out, err := s.triager.BatchTriage(c.Request.Context(), body.Requests)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, errorBody(traceID, verr.Error(), nil))
			return
		}
		s.logger.Error("batch triage failed", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"trace_id": traceID,
			"error":    schema.ErrorEnvelope{Type: schema.ErrorTypeInternal, Message: "batch triage failed"},
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Health handles GET /v1/health.
func (s *Server) Health(c *gin.Context) {
	report := s.triager.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if report.Status == pipeline.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func errorBody(traceID, message string, err error) gin.H {
	envelope := schema.ErrorEnvelope{Type: schema.ErrorTypeValidation, Message: message, Code: "invalid_body"}
	if err != nil {
		envelope.Message = message + ": " + err.Error()
	}
	return gin.H{"trace_id": traceID, "status": schema.StatusRejected, "error": envelope}
}

// traceMiddleware accepts a caller trace id or mints one, and echoes it.
func (s *Server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}
		c.Set(traceKey, traceID)
		c.Header(TraceHeader, traceID)
		c.Next()
	}
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("trace_id", c.GetString(traceKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
