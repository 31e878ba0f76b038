// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nexusans/escrowd/internal/config"
	"github.com/nexusans/escrowd/internal/escrow"
	"github.com/nexusans/escrowd/internal/health"
	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/logging"
	"github.com/nexusans/escrowd/internal/metrics"
	"github.com/nexusans/escrowd/internal/oracle"
	"github.com/nexusans/escrowd/internal/ratelimit"
	"github.com/nexusans/escrowd/internal/security"
	"github.com/nexusans/escrowd/internal/sellers"
	"github.com/nexusans/escrowd/internal/validation"
	"github.com/nexusans/escrowd/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	gateway       ledger.Gateway
	sellerStore   sellers.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	webhookQueue  *webhooks.Queue
	webhookWorker *webhooks.Worker
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	runJobs bool // run the retry worker and expiry timer in-process

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

// WithGateway sets a custom ledger gateway (for testing)
func WithGateway(g ledger.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithBackgroundJobs runs the webhook retry worker and escrow expiry timer
// inside the API process. Deployments with a dedicated worker binary or an
// external scheduler hitting the cron endpoints leave this off.
func WithBackgroundJobs() Option {
	return func(s *Server) {
		s.runJobs = true
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(2 * time.Second),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var webhookStore webhooks.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.sellerStore = sellers.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", health.PingChecker(db.PingContext))
	} else {
		escrowStore = escrow.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.sellerStore = sellers.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger gateway (may be injected in tests)
	if s.gateway == nil {
		s.gateway = ledger.NewRPCGateway(cfg.RPCURL, cfg.SignerURL, logging.Component(s.logger, "ledger"))
	}

	// Webhook delivery queue + lifecycle notifier
	whLog := logging.Component(s.logger, "webhooks")
	s.webhookQueue = webhooks.NewQueue(webhookStore, webhooks.Options{
		MaxAttempts:      cfg.WebhookMaxAttempts,
		BatchSize:        cfg.WebhookBatchSize,
		AttemptTimeout:   cfg.WebhookAttemptTimeout,
		ImmediateTimeout: cfg.WebhookImmediateTimeout,
	}, whLog)
	notifier := webhooks.NewNotifier(s.webhookQueue, whLog)
	s.webhookWorker = webhooks.NewWorker(s.webhookQueue, cfg.WebhookRetryInterval, whLog)

	// Delivery verification oracle
	verifier := oracle.New(cfg.OracleTimeout, cfg.OracleAutoVerify, logging.Component(s.logger, "oracle"))
	if cfg.OracleAutoVerify {
		s.logger.Warn("oracle auto-verify enabled: claims without a verify endpoint will be approved")
	}

	// Escrow state machine
	escLog := logging.Component(s.logger, "escrow")
	s.escrowService = escrow.NewService(escrowStore, s.gateway, escrow.Params{
		VaultAddress:     cfg.VaultAddress,
		FeePercent:       cfg.FeePercent,
		LockTolerancePct: cfg.LockTolerancePct,
		ExpiryWindow:     cfg.ExpiryWindow,
	}, escLog).
		WithResolver(sellers.NewStoreResolver(s.sellerStore)).
		WithVerifier(verifier).
		WithNotifier(notifier)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.WebhookRetryInterval, escLog)
	s.logger.Info("escrow engine enabled",
		"vault", cfg.VaultAddress, "feePercent", cfg.FeePercent,
		"expiryWindow", cfg.ExpiryWindow)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// cronAuthMiddleware guards scheduler endpoints with the shared cron secret.
// When no secret is configured, cron endpoints only work in development.
func (s *Server) cronAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.CronSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "cron_disabled",
				"message": "CRON_SECRET is not configured",
			})
			return
		}

		supplied := c.GetHeader("X-Cron-Secret")
		if supplied == "" {
			auth := c.GetHeader("Authorization")
			if len(auth) > 7 && auth[:7] == "Bearer " {
				supplied = auth[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.CronSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid cron secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info endpoints
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	sellerHandler := sellers.NewHandler(s.sellerStore)
	sellerHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.webhookQueue)
	webhookHandler.RegisterRoutes(v1)

	// Scheduler endpoints. External cron hits these so the API process does
	// not need in-process timers.
	cron := v1.Group("")
	cron.Use(s.cronAuthMiddleware())
	escrowHandler.RegisterCronRoutes(cron)
	webhookHandler.RegisterCronRoutes(cron)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow orchestration for agent-to-agent commerce",
		"version":     "0.1.0",
		"currency":    "SOL",
	})
}

// platformHandler returns platform info including the custody address
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":         "escrowd",
			"version":      "0.1.0",
			"vaultAddress": s.cfg.VaultAddress,
			"currency":     "SOL",
			"feePercent":   s.cfg.FeePercent,
		},
		"instructions": gin.H{
			"create": "POST /v1/escrow with buyer_wallet, seller_agent, amount, service_details",
			"lock":   "Transfer the total to vaultAddress, then POST /v1/escrow/{id}/lock with the tx signature",
			"status": "GET /v1/escrow/{id}",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// In-process background jobs (off when an external scheduler or the
	// worker binary owns them)
	if s.runJobs {
		go s.webhookWorker.Start(runCtx)
		go s.escrowTimer.Start(runCtx)
		s.logger.Info("in-process background jobs started")
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.runJobs {
		s.webhookWorker.Stop()
		s.escrowTimer.Stop()
		s.logger.Info("background jobs stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
