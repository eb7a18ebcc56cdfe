// Package server wires the settlement gateway together: config in, a gin
// router out, with storage, escrow, oracle, and sweeper lifecycles managed
// around it.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
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
	_ "github.com/lib/pq"

	"github.com/meterd/x402gw/internal/config"
	"github.com/meterd/x402gw/internal/escrow"
	"github.com/meterd/x402gw/internal/gateway"
	"github.com/meterd/x402gw/internal/health"
	"github.com/meterd/x402gw/internal/idgen"
	"github.com/meterd/x402gw/internal/intent"
	"github.com/meterd/x402gw/internal/logging"
	"github.com/meterd/x402gw/internal/metrics"
	"github.com/meterd/x402gw/internal/nonce"
	"github.com/meterd/x402gw/internal/oracle"
	"github.com/meterd/x402gw/internal/pricing"
	"github.com/meterd/x402gw/internal/ratelimit"
	"github.com/meterd/x402gw/internal/receipt"
	"github.com/meterd/x402gw/internal/reconcile"
	"github.com/meterd/x402gw/internal/security"
	"github.com/meterd/x402gw/internal/traces"
	"github.com/meterd/x402gw/internal/validation"
)

// Server owns every long-lived component of the gateway process.
type Server struct {
	cfg *config.Config

	store       intent.Store
	registry    *intent.Registry
	sweeper     *intent.Sweeper
	escrow      escrow.Client
	gateway     *gateway.Service
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	db           *sql.DB // nil if using in-memory storage
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithEscrowClient sets a custom escrow client (for testing)
func WithEscrowClient(c escrow.Client) Option {
	return func(s *Server) {
		s.escrow = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set escrow/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var nonces nonce.Ledger
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
		s.store = intent.NewPostgresStore(db)
		nonces = nonce.NewPostgresLedger(db, cfg.NonceRetention)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = intent.NewMemoryStore()
		nonces = nonce.NewMemoryLedger(cfg.NonceRetention)
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Escrow client, unless a test injected one
	if s.escrow == nil {
		s.escrow = escrow.NewHTTPClient(cfg.EscrowURL, cfg.EscrowTimeout)
	}

	// Intent lifecycle
	s.registry = intent.NewRegistry(s.store, s.escrow, cfg.SettlementRecipient, cfg.TargetChain, s.logger)
	s.sweeper = intent.NewSweeper(s.registry, s.store, nonces, cfg.SweepInterval, s.logger)

	// Receipt validation
	validator := receipt.NewValidator(nonces, cfg.ReceiptMaxPastAge, cfg.ReceiptMaxFutureSkew)

	// Pricing and reconciliation policy
	prices, err := loadPricingTable(cfg.PricingTable)
	if err != nil {
		return nil, fmt.Errorf("pricing table: %w", err)
	}
	rules, err := loadReconcileRules(cfg.ReconcileRules)
	if err != nil {
		return nil, fmt.Errorf("reconcile rules: %w", err)
	}

	// Upstream and oracle
	forwarder := gateway.NewHTTPForwarder(cfg.UpstreamURL, cfg.UpstreamTimeout)
	orc := oracle.NewHTTPOracle(cfg.OracleURL, cfg.OracleTimeout)

	s.gateway = gateway.NewService(
		s.registry, validator, orc, forwarder,
		prices, rules,
		cfg.TrustedIssuer, cfg.Token, cfg.EscrowURL,
		s.logger,
	)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker(s.db))
	}
	s.healthReg.Register("escrow", health.EscrowChecker(s.escrow))
	s.healthReg.Register("sweeper", health.SweeperChecker(s.sweeper.Running))

	// Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

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

// loadPricingTable parses the configured JSON table, or falls back to a
// conservative built-in: AI endpoints priced up to 0.05, everything else
// up to 0.01.
func loadPricingTable(raw string) (*pricing.Table, error) {
	if raw != "" {
		return pricing.ParseTable([]byte(raw))
	}
	return pricing.NewTable(map[string]pricing.Band{
		"/ai": {Min: 10_000, Max: 50_000, ExpirySeconds: pricing.DefaultExpirySeconds},
	}, pricing.Band{Min: 1_000, Max: 10_000, ExpirySeconds: pricing.DefaultExpirySeconds})
}

// rulesJSON is the RECONCILE_RULES wire shape: per-prefix rules plus a
// required default.
type rulesJSON struct {
	Rules   map[string]reconcile.PricingRule `json:"rules"`
	Default reconcile.PricingRule            `json:"default"`
}

// loadReconcileRules parses the configured JSON rules, or falls back to a
// built-in set: token-metered AI endpoints with estimation tolerance, a
// strict per-request default for everything else.
func loadReconcileRules(raw string) (gateway.ReconcileRules, error) {
	if raw == "" {
		return gateway.ReconcileRules{
			Rules: map[string]reconcile.PricingRule{
				"/ai": {
					Rates:        map[string]int64{"prompt": 50, "completion": 150},
					ToleranceBps: 500,
				},
			},
			Default: reconcile.PricingRule{
				Rates:        map[string]int64{"requests": 1_000},
				ToleranceBps: 100,
			},
		}, nil
	}
	var rj rulesJSON
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		return gateway.ReconcileRules{}, err
	}
	if len(rj.Default.Rates) == 0 {
		return gateway.ReconcileRules{}, errors.New("default rule with rates is required")
	}
	return gateway.ReconcileRules{Rules: rj.Rules, Default: rj.Default}, nil
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

	// Rate limiting, keyed by payer when present
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
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
			requestID = idgen.Hex(8)
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

		// Log level based on status code. A 402 is the challenge working
		// as intended, not a client error worth a warning.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
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

	// Validate :id URL params on intent routes (no-op when param absent)
	s.router.Use(validation.IntentIDParamMiddleware())

	// Metered proxy + intent status endpoints
	s.gateway.RegisterRoutes(s.router, s.cfg.MeteredPrefixes)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdownOTel, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
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
			"escrow", s.cfg.EscrowURL,
			"upstream", s.cfg.UpstreamURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start expiry sweeper
	go s.sweeper.Start(runCtx)

	// Export db pool stats (loops until runCtx is cancelled)
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

	// Cancel the context for all background goroutines (sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop sweeper
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown", "error", err)
		}
	}

	// Close database
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
