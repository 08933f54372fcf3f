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
	"github.com/kmunene/shambapay/internal/config"
	"github.com/kmunene/shambapay/internal/escrow"
	"github.com/kmunene/shambapay/internal/gateway"
	"github.com/kmunene/shambapay/internal/health"
	"github.com/kmunene/shambapay/internal/identity"
	"github.com/kmunene/shambapay/internal/idgen"
	"github.com/kmunene/shambapay/internal/logging"
	"github.com/kmunene/shambapay/internal/metrics"
	"github.com/kmunene/shambapay/internal/order"
	"github.com/kmunene/shambapay/internal/payments"
	"github.com/kmunene/shambapay/internal/ratelimit"
	"github.com/kmunene/shambapay/internal/realtime"
	"github.com/kmunene/shambapay/internal/reconciliation"
	"github.com/kmunene/shambapay/internal/security"
	"github.com/kmunene/shambapay/internal/stock"
	"github.com/kmunene/shambapay/internal/traces"
	"github.com/kmunene/shambapay/internal/validation"
	"github.com/kmunene/shambapay/internal/wallet"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	identityMgr    *identity.Manager
	wallets        *wallet.Service
	stock          stock.Service
	orders         *order.Service
	escrows        *escrow.Service
	payments       *payments.Service
	gateway        gateway.Gateway
	reconciler     *reconciliation.Service
	orderTimer     *order.Timer
	reconTimer     *reconciliation.Timer
	hub            *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore wallet.Store
		orderStore  order.Store
		escrowStore escrow.Store
	)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// API keys
		identityStore := identity.NewPostgresStore(db)
		if err := identityStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate identity store", "error", err)
		}
		s.identityMgr = identity.NewManager(identityStore)

		// Wallets and ledger
		ws := wallet.NewPostgresStore(db)
		if err := ws.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate wallet store", "error", err)
		}
		walletStore = ws

		// Product stock
		ss := stock.NewPostgresService(db)
		if err := ss.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate stock tables", "error", err)
		}
		s.stock = ss

		// Orders
		ords := order.NewPostgresStore(db)
		if err := ords.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate order store", "error", err)
		}
		orderStore = ords

		// Escrows
		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = es

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		s.identityMgr = identity.NewManager(identity.NewMemoryStore())
		walletStore = wallet.NewMemoryStore()
		s.stock = stock.NewMemoryService()
		orderStore = order.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
	}

	// Payment gateway: real provider if configured, otherwise the fake
	// (accepts everything, keeps charges in memory)
	if s.gateway == nil {
		if cfg.ProviderBaseURL != "" || cfg.StripeSecretKey != "" {
			if cfg.ProviderBaseURL != "" {
				// Server-side calls go to this URL; refuse internal targets.
				if err := security.ValidateEndpointURL(cfg.ProviderBaseURL); err != nil {
					return nil, fmt.Errorf("provider base URL rejected: %w", err)
				}
			}
			s.gateway = gateway.NewClient(cfg, s.logger)
			s.logger.Info("payment gateway configured", "provider", cfg.ProviderBaseURL != "", "stripe", cfg.StripeSecretKey != "")
		} else {
			s.gateway = gateway.NewFake()
			s.logger.Warn("no payment provider configured, using fake gateway")
		}
	}

	// Core services
	s.wallets = wallet.New(walletStore)
	s.orders = order.NewService(orderStore, s.stock, cfg.PaymentDeadline)
	s.escrows = escrow.NewService(escrowStore, &escrowWalletAdapter{s.wallets}, s.orders).
		WithPayoutGateway(s.gateway)
	s.orders.SetEscrowOpener(s.escrows)
	s.payments = payments.NewService(s.wallets, s.orders, s.gateway, s.logger)
	s.reconciler = reconciliation.NewService(s.wallets, s.logger)

	// Event stream
	s.hub = realtime.NewHub(s.logger)
	sink := &streamSink{hub: s.hub}
	s.orders.SetEventSink(sink)
	s.escrows.SetEventSink(sink)

	// Background sweeps
	s.orderTimer = order.NewTimer(s.orders, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, reconciliation.DefaultInterval, s.logger)

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
	s.router.GET("/", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC: registration returns an API key for subsequent calls
	v1.POST("/register", s.registerUser)

	// PUBLIC: provider webhook, authenticated by HMAC signature
	webhookHandler := payments.NewWebhookHandler(s.wallets, s.orders, s.cfg.ProviderWebhookSecret, s.logger)
	webhookHandler.RegisterRoutes(v1)

	// AUTHENTICATED routes: everything below resolves the caller from
	// an API key
	authed := v1.Group("")
	authed.Use(identity.Middleware(s.identityMgr), identity.RequireAuth())

	identity.NewHandler(s.identityMgr).RegisterRoutes(authed)
	wallet.NewHandler(s.wallets, s.logger).RegisterRoutes(authed)
	order.NewHandler(s.orders, s.logger).RegisterRoutes(authed)
	escrow.NewHandler(s.escrows, s.logger).RegisterRoutes(authed)
	payments.NewHandler(s.payments, s.logger).RegisterRoutes(authed)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterRoutes(authed)

	// Live settlement events over WebSocket
	authed.GET("/stream", gin.WrapF(s.hub.HandleWebSocket))
}

// registerUser handles POST /v1/register
// Creates a user ID and issues the first API key for it.
func (s *Server) registerUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name string `json:"name" binding:"required"`
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and role are required",
		})
		return
	}

	role := identity.Role(req.Role)
	switch role {
	case identity.RoleFarmer, identity.RoleBuyer:
	case identity.RoleAdmin:
		// Admin keys require the operator-held bootstrap secret
		secret := c.GetHeader("X-Admin-Secret")
		if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "admin registration requires a valid admin secret",
			})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be farmer, buyer, or admin",
		})
		return
	}

	userID := idgen.WithPrefix("usr_")
	rawKey, keyInfo, err := s.identityMgr.GenerateKey(ctx, userID, role, validation.SanitizeString(req.Name, 200))
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register",
		})
		return
	}

	s.logger.Info("user registered", "user_id", userID, "role", role, "key_id", keyInfo.ID)

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"role":    role,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
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

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
		"name":        "ShambaPay",
		"description": "Settlement backbone for the ShambaPay farm-to-market marketplace",
		"version":     "0.1.0",
		"currency":    wallet.DefaultCurrency,
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

	// Tracing (no-op when no endpoint configured)
	tracesShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = tracesShutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start order payment-deadline sweep
	go s.orderTimer.Start(runCtx)

	// Start ledger reconciliation sweep
	go s.reconTimer.Start(runCtx)

	// Start event stream hub
	go s.hub.Run(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

	// Cancel the context for all background goroutines (timers, collectors)
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

	// Stop order deadline timer
	s.orderTimer.Stop()
	s.logger.Info("order timer stopped")

	// Stop reconciliation timer
	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// Stock returns the stock service, so tests and demo setups can seed
// produce directly.
func (s *Server) Stock() stock.Service {
	return s.stock
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// escrowWalletAdapter adapts the wallet service to escrow.Wallets.
// Escrow settlement thinks in user IDs; the ledger thinks in wallet IDs.
type escrowWalletAdapter struct {
	w *wallet.Service
}

func (a *escrowWalletAdapter) CreditPayout(ctx context.Context, userID, amount, orderID, escrowID, reference string) (string, error) {
	wl, err := a.w.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	_, txn, err := a.w.Credit(ctx, wl.ID, wallet.CategoryPayout, amount,
		"Escrow release for order "+orderID,
		wallet.PayoutMetadata(orderID, escrowID), reference)
	if err != nil {
		return "", err
	}
	return txn.ID, nil
}

func (a *escrowWalletAdapter) CreditRefund(ctx context.Context, userID, amount, orderID, escrowID, reason, reference string) (string, error) {
	wl, err := a.w.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	_, txn, err := a.w.Credit(ctx, wl.ID, wallet.CategoryRefund, amount,
		"Escrow refund for order "+orderID,
		wallet.RefundMetadata(orderID, escrowID, reason), reference)
	if err != nil {
		return "", err
	}
	return txn.ID, nil
}

func (a *escrowWalletAdapter) RecordPayoutOutcome(ctx context.Context, txnID, payoutStatus, failureReason string) error {
	return a.w.RecordPayoutOutcome(ctx, txnID, payoutStatus, failureReason)
}

var _ escrow.Wallets = (*escrowWalletAdapter)(nil)

// streamSink forwards order and escrow state changes onto the event
// stream. Broadcast never blocks, so it is safe to call under the
// services' per-ID locks.
type streamSink struct {
	hub *realtime.Hub
}

func (s *streamSink) OrderChanged(o *order.Order) {
	s.hub.BroadcastOrder(realtime.OrderEvent{
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		FarmerID:      o.FarmerID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Total:         o.TotalAmount,
	})
}

func (s *streamSink) EscrowChanged(e *escrow.Escrow) {
	s.hub.BroadcastEscrow(realtime.EscrowEvent{
		EscrowID: e.ID,
		OrderID:  e.OrderID,
		BuyerID:  e.BuyerID,
		FarmerID: e.FarmerID,
		Status:   string(e.Status),
		Amount:   e.Amount,
	})
}

var (
	_ order.EventSink  = (*streamSink)(nil)
	_ escrow.EventSink = (*streamSink)(nil)
)
