// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/checkout"
	"github.com/brickvest/reservd/internal/config"
	"github.com/brickvest/reservd/internal/dispute"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/health"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/metrics"
	"github.com/brickvest/reservd/internal/notify"
	"github.com/brickvest/reservd/internal/operations"
	"github.com/brickvest/reservd/internal/ratelimit"
	"github.com/brickvest/reservd/internal/reconcile"
	"github.com/brickvest/reservd/internal/security"
	"github.com/brickvest/reservd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	contract       chain.EscrowContract
	ops            operations.Store
	escrows        escrow.Store
	checkout       *checkout.Service
	reconciler     *reconcile.Service
	reconcileTimer *reconcile.Timer
	disputes       *dispute.Service
	notifier       notify.Notifier
	healthReg      *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithContract sets a custom escrow contract client (for testing)
func WithContract(c chain.EscrowContract) Option {
	return func(s *Server) {
		s.contract = c
	}
}

// WithNotifier sets a custom event notifier
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set contract/logger/notifier)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.ops = operations.NewPostgresStore(db)
		s.escrows = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.ops = operations.NewMemoryStore()
		s.escrows = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create chain client if not injected
	if s.contract == nil {
		client, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			PrivateKey:     cfg.PrivateKey,
			ChainID:        cfg.ChainID,
			EscrowContract: cfg.EscrowContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.contract = client
	}

	// Notifier: webhook if configured, structured log otherwise
	if s.notifier == nil {
		if cfg.NotifyWebhookURL != "" {
			s.notifier = notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifySecret)
			s.logger.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
		} else {
			s.notifier = notify.LogNotifier{}
		}
	}

	// Reconciliation
	s.reconciler = reconcile.NewService(s.escrows, s.ops, s.contract, s.notifier)
	s.reconcileTimer = reconcile.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Checkout orchestration
	var payments checkout.PaymentProcessor
	if cfg.StripeSecretKey != "" {
		payments = checkout.NewStripeProcessor(cfg.StripeSecretKey)
		s.logger.Info("traditional payment path enabled")
	}
	s.checkout = checkout.NewService(checkout.Config{
		ReceiverAddress: cfg.ReceiverAddress,
		TimeoutPayment:  cfg.TimeoutPayment,
		AttemptTTL:      cfg.AttemptTTL,
	}, s.ops, s.escrows, s.contract, payments)

	// Disputes
	s.disputes = dispute.NewService(s.escrows, s.contract, dispute.NewMemoryEvidenceStore(), s.reconciler)

	// Health checks
	s.healthReg = health.NewRegistry()
	s.healthReg.Register("rpc", func(ctx context.Context) health.Status {
		if !s.contract.Ready() {
			return health.Status{Name: "rpc", Healthy: false, Detail: "network not verified"}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

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
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Reservations (operations as seen by this core)
	v1.POST("/reservations", s.createReservation)
	v1.GET("/reservations/:id", s.getReservation)

	// Checkout attempts
	v1.POST("/reservations/:id/attempts", s.startAttempt)
	v1.GET("/attempts/:attemptId", s.getAttempt)
	v1.POST("/attempts/:attemptId/method", s.selectMethod)
	v1.POST("/attempts/:attemptId/payment", s.createTraditionalPayment)
	v1.DELETE("/attempts/:attemptId", s.cancelAttempt)

	// Escrow lifecycle
	v1.POST("/reservations/:id/escrow", s.createEscrow)
	v1.GET("/reservations/:id/escrow", s.getEscrow)
	v1.POST("/reservations/:id/reconcile", s.reconcileReservation)
	v1.POST("/reservations/:id/escrow/reimburse", s.reimburseEscrow)
	v1.POST("/reservations/:id/escrow/execute", s.executeEscrow)

	// Arbitration
	v1.POST("/reservations/:id/escrow/evidence", s.submitEvidence)
	v1.POST("/reservations/:id/escrow/dispute", s.raiseDispute)
	v1.POST("/reservations/:id/escrow/ruling", s.applyRuling)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "reservd",
		"description": "On-chain escrow reservation core",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"contract":    s.cfg.EscrowContract,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Verify the RPC endpoint serves the configured chain. A failure is
	// not fatal: the server still answers reads, but escrow creation is
	// refused until the network checks out.
	if client, ok := s.contract.(*chain.Client); ok {
		verifyCtx, verifyCancel := context.WithTimeout(runCtx, 10*time.Second)
		if err := client.VerifyNetwork(verifyCtx); err != nil {
			s.logger.Error("network verification failed, escrow creation disabled", "error", err)
		} else {
			s.logger.Info("network verified", "chain_id", s.cfg.ChainID)
		}
		verifyCancel()
	}

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
			"contract", s.contract.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconciliation sweep timer
	go s.reconcileTimer.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconcile timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconcile timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain client connection
	if client, ok := s.contract.(*chain.Client); ok {
		if err := client.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
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
