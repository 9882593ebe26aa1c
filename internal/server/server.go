// Package server wires the settlement engine together and runs the
// HTTP API.
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

	"github.com/mbd888/canopy/internal/account"
	"github.com/mbd888/canopy/internal/chain"
	"github.com/mbd888/canopy/internal/config"
	"github.com/mbd888/canopy/internal/gateway"
	"github.com/mbd888/canopy/internal/health"
	"github.com/mbd888/canopy/internal/ledger"
	"github.com/mbd888/canopy/internal/logging"
	"github.com/mbd888/canopy/internal/metrics"
	"github.com/mbd888/canopy/internal/purchase"
	"github.com/mbd888/canopy/internal/ratelimit"
	"github.com/mbd888/canopy/internal/realtime"
	"github.com/mbd888/canopy/internal/security"
	"github.com/mbd888/canopy/internal/topup"
	"github.com/mbd888/canopy/internal/traces"
	"github.com/mbd888/canopy/internal/validation"
)

// AccountIDHeader identifies the calling account. In production this
// would be set by an authenticating proxy; the server trusts it.
const AccountIDHeader = "X-Account-ID"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db          *sql.DB // nil if using in-memory
	signer      *chain.Signer
	executor    purchase.Executor
	listings    purchase.ListingFetcher
	accounts    account.Store
	ledgerStore ledger.Store
	purchases   *purchase.Service
	topups      *topup.Service
	webhook     *gateway.Handler
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	chainClient chain.EthClient // test injection; nil dials RPC_URL

	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc        // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithExecutor replaces the on-chain executor (for testing)
func WithExecutor(e purchase.Executor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// WithListings replaces the listing reader (for testing)
func WithListings(l purchase.ListingFetcher) Option {
	return func(s *Server) {
		s.listings = l
	}
}

// WithChainClient sets a custom Ethereum client (for testing)
func WithChainClient(client chain.EthClient) Option {
	return func(s *Server) {
		s.chainClient = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		purchaseStore purchase.Store
		topupStore    topup.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.accounts = account.NewPostgresStore(db)
		s.ledgerStore = ledger.NewPostgresStore(db)
		purchaseStore = purchase.NewPostgresStore(db)
		topupStore = topup.NewPostgresStore(db)
		s.checks.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		book := ledger.NewMemoryStore()
		s.ledgerStore = book
		s.accounts = account.NewMemoryStore(book.EnsureAccount)
		purchaseStore = purchase.NewMemoryStore(book)
		topupStore = topup.NewMemoryStore(book)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Custodial signer for the two-step on-chain settlement
	var signerOpts []chain.Option
	if s.chainClient != nil {
		signerOpts = append(signerOpts, chain.WithClient(s.chainClient))
	}
	signer, err := chain.NewSigner(chain.Config{
		RPCURL:              cfg.RPCURL,
		PrivateKey:          cfg.PrivateKey,
		ChainID:             cfg.ChainID,
		MarketplaceContract: cfg.MarketplaceContract,
		AssetTokenContract:  cfg.AssetTokenContract,
		Confirmations:       cfg.Confirmations,
	}, signerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain signer: %w", err)
	}
	s.signer = signer
	if s.executor == nil {
		s.executor = chain.NewExecutor(signer)
	}
	if s.listings == nil {
		s.listings = signer
	}
	s.checks.Register("chain", s.chainChecker())
	s.logger.Info("custodial signer ready", "address", signer.Address(), "chain_id", cfg.ChainID)

	// Payment gateway: real adapter when an API key is configured,
	// in-process fake otherwise. Never the fake in production.
	var (
		orders   gateway.OrderCreator
		verifier gateway.Verifier
	)
	if cfg.GatewayAPIKey != "" {
		stripe := gateway.NewStripe(cfg.GatewayAPIKey, cfg.GatewayWebhookSecret)
		orders, verifier = stripe, stripe
		s.logger.Info("payment gateway enabled")
	} else {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("GATEWAY_API_KEY is required in production")
		}
		fake := gateway.NewFake(cfg.GatewayWebhookSecret)
		orders, verifier = fake, fake
		s.logger.Warn("payment gateway not configured, using in-process fake")
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Purchase orchestrator
	s.purchases = purchase.NewService(purchaseStore, s.listings, orders,
		s.executor, account.NewResolver(s.accounts), cfg.Currency, s.logger)
	s.purchases.SetEmitter(s.realtimeHub)

	// Top-ups
	depositAddr := cfg.HotWalletAddress
	if depositAddr == "" {
		depositAddr = signer.Address()
	}
	s.topups = topup.NewService(topupStore, orders, cfg.Currency,
		cfg.MinTopupMinor, depositAddr,
		time.Duration(cfg.CryptoIntentTTLMin)*time.Minute, s.logger)
	s.topups.SetEmitter(s.realtimeHub)

	// Webhook ingestion. Top-ups are registered before purchases so a
	// top-up capture settles before anything that might spend it.
	s.webhook = gateway.NewHandler(verifier, s.logger)
	s.webhook.OnCaptured(s.topups)
	s.webhook.OnCaptured(s.purchases)
	s.webhook.OnFailed(s.topups)
	s.webhook.OnFailed(s.purchases)

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

// chainChecker probes the RPC connection through a cheap read call.
func (s *Server) chainChecker() health.Checker {
	return func(ctx context.Context) health.Status {
		if _, err := s.signer.TokenBalance(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	}
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
	rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// identityMiddleware reads the caller's account ID into the gin
// context. Endpoints that need identity reject requests without it.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if accountID := c.GetHeader(AccountIDHeader); accountID != "" {
			c.Set(purchase.AccountIDKey, accountID)
		}
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
	s.router.GET("/health", s.checks.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Gateway webhooks live outside /v1: the gateway, not a buyer,
	// calls them, and they authenticate by signature instead of
	// account identity.
	webhooks := s.router.Group("")
	s.webhook.RegisterRoutes(webhooks)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	accountHandler := account.NewHandler(s.accounts, s.logger)
	accountHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledgerStore, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	purchaseHandler := purchase.NewHandler(s.purchases, s.logger)
	purchaseHandler.RegisterRoutes(v1)

	topupHandler := topup.NewHandler(s.topups, s.logger)
	topupHandler.RegisterRoutes(v1)

	// Operator endpoints behind the admin secret
	admin := v1.Group("")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	purchaseHandler.RegisterAdminRoutes(admin)
	topupHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
		"name":        "Canopy",
		"description": "Fiat settlement engine for on-chain asset purchases",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
		"chainId":     s.cfg.ChainID,
		"hotWallet":   s.signer.Address(),
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

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"hot_wallet", s.signer.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// DB pool gauges
	metrics.CollectDBStats(runCtx, s.db, 15*time.Second)

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

	// Cancel the context for all background goroutines (hub, collectors)
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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if err := s.signer.Close(); err != nil {
		s.logger.Error("signer close error", "error", err)
	}

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
