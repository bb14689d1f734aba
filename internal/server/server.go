// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/karmaguard/internal/app"
	"github.com/mbd888/karmaguard/internal/auth"
	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/health"
	"github.com/mbd888/karmaguard/internal/idgen"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/metrics"
	"github.com/mbd888/karmaguard/internal/oracle"
	"github.com/mbd888/karmaguard/internal/pagination"
	"github.com/mbd888/karmaguard/internal/ratelimit"
	"github.com/mbd888/karmaguard/internal/realtime"
	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/rules"
	"github.com/mbd888/karmaguard/internal/schema"
	"github.com/mbd888/karmaguard/internal/security"
	"github.com/mbd888/karmaguard/internal/traces"
	"github.com/mbd888/karmaguard/internal/validation"
)

// Version is the service build version, set via -ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	app         *app.App
	ownsApp     bool
	engine      *risk.Engine
	health      *health.Registry
	feed        *realtime.Hub
	keys        *auth.Keyring
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithApp uses an already assembled engine (for testing). The caller keeps
// ownership and closes it.
func WithApp(a *app.App) Option {
	return func(s *Server) {
		s.app = a
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if s.app == nil {
		a, err := app.New(context.Background(), cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.app = a
		s.ownsApp = true
	}
	s.engine = s.app.Engine
	s.health = s.app.Health
	s.feed = s.app.Feed

	keys, err := auth.NewKeyring(cfg.APIKeys)
	if err != nil {
		if s.ownsApp {
			_ = s.app.Close()
		}
		return nil, err
	}
	s.keys = keys
	if !keys.Enabled() && cfg.IsProduction() {
		s.logger.Warn("API_KEYS is empty; the scoring API is unauthenticated")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.BodyLimit(validation.MaxBodyBytes))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// tracingMiddleware continues the caller's trace, if any, around each request.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := traces.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := traces.StartSpan(ctx, c.Request.Method+" "+route, traces.Route(route))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New(idgen.Request)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live moderation feed
	if s.feed != nil {
		s.router.GET("/ws/assessments", auth.RequireKey(s.keys, auth.AllowQuery()), gin.WrapH(s.feed))
	}

	api := s.router.Group("/api")
	{
		api.GET("/health", s.apiHealthHandler)
		api.GET("/version", s.versionHandler)
	}

	protected := api.Group("", auth.RequireKey(s.keys))
	{
		protected.POST("/analyze", s.analyzeHandler)
		protected.POST("/analyze/batch", s.analyzeBatchHandler)
		protected.GET("/users/:user_id/assessments", validation.UserIDParam(), s.historyHandler)
		protected.GET("/feed/stats", s.feedStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// AnalyzeResponse is the public result of one analysis.
type AnalyzeResponse struct {
	AssessmentID         string           `json:"assessment_id,omitempty"`
	UserID               string           `json:"user_id"`
	FraudScore           float64          `json:"fraud_score"`
	SuspiciousActivities []rules.Flag     `json:"suspicious_activities"`
	Status               risk.Status      `json:"status"`
	Features             *features.Vector `json:"features,omitempty"`
}

func toResponse(a *risk.Assessment, withFeatures bool) AnalyzeResponse {
	resp := AnalyzeResponse{
		AssessmentID:         a.ID,
		UserID:               a.UserID,
		FraudScore:           a.FraudScore,
		SuspiciousActivities: a.SuspiciousActivities,
		Status:               a.Status,
	}
	if resp.SuspiciousActivities == nil {
		resp.SuspiciousActivities = []rules.Flag{}
	}
	if withFeatures {
		v := a.Features
		resp.Features = &v
	}
	return resp
}

func wantFeatures(c *gin.Context) bool {
	return c.Query("include") == "features"
}

func (s *Server) analyzeHandler(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	log, err := schema.DecodeUserLog(body)
	if err != nil {
		s.writeError(c, err)
		return
	}

	a, err := s.engine.Analyze(c.Request.Context(), &log)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(a, wantFeatures(c)))
}

func (s *Server) analyzeBatchHandler(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	logs, err := schema.DecodeLogs(body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if fe := validation.BatchSize(len(logs)); fe != nil {
		validation.Abort(c, "validation_error", fe)
		return
	}

	results, err := s.engine.AnalyzeBatch(c.Request.Context(), logs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	withFeatures := wantFeatures(c)
	out := make([]AnalyzeResponse, len(results))
	for i, a := range results {
		out[i] = toResponse(a, withFeatures)
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "count": len(out)})
}

func (s *Server) historyHandler(c *gin.Context) {
	limit, fe := validation.HistoryLimit(c.Query("limit"))
	if fe != nil {
		validation.Abort(c, "invalid_limit", fe)
		return
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		validation.Abort(c, "invalid_cursor", &validation.FieldError{Field: "cursor", Message: err.Error()})
		return
	}

	history, err := s.engine.History(c.Request.Context(), c.Param("user_id"), before, limit+1)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(history, limit, func(a *risk.Assessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})
	resp := gin.H{"assessments": page, "count": len(page), "has_more": more}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) apiHealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Ok"})
}

func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.engine.PolicyVersion(),
		"service": Version,
	})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	if s.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "live feed is disabled"})
		return
	}
	c.JSON(http.StatusOK, s.feed.Stats())
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	health.Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// healthHandler answers 503 only when a critical dependency is down. A
// failing cache degrades the service without taking it out of rotation.
func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Run(c.Request.Context())
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Report:    rep,
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "could not read request body",
		})
		return nil, false
	}
	return body, true
}

// writeError maps pipeline errors onto the API envelope. Payload problems
// are the caller's fault; manifest and model failures are ours.
func (s *Server) writeError(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, "internal_error", "An unexpected error occurred"

	switch {
	case schema.IsValidationError(err):
		status, code, msg = http.StatusBadRequest, "invalid_payload", err.Error()
	case errors.Is(err, features.ErrManifestMismatch):
		code, msg = "manifest_mismatch", "feature manifest does not match the extractor"
	case errors.Is(err, oracle.ErrCircuitOpen):
		status, code, msg = http.StatusServiceUnavailable, "oracle_unavailable", "a scoring dependency is temporarily unavailable"
	case errors.Is(err, risk.ErrInvalidProbabilities), errors.Is(err, oracle.ErrBadResponse):
		status, code, msg = http.StatusBadGateway, "invalid_model_output", "the classifier returned an invalid response"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, msg = http.StatusGatewayTimeout, "timeout", "scoring timed out"
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "error", err, "code", code)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"policy_version", s.engine.PolicyVersion(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.ownsApp {
		if err := s.app.Close(); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
