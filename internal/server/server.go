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

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/attest"
	"github.com/jobmesh/jobmesh/internal/circuitbreaker"
	"github.com/jobmesh/jobmesh/internal/config"
	"github.com/jobmesh/jobmesh/internal/escrow"
	"github.com/jobmesh/jobmesh/internal/health"
	"github.com/jobmesh/jobmesh/internal/jobs"
	"github.com/jobmesh/jobmesh/internal/keys"
	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/pricefeed"
	"github.com/jobmesh/jobmesh/internal/randsrc"
	"github.com/jobmesh/jobmesh/internal/ratelimit"
	"github.com/jobmesh/jobmesh/internal/realtime"
	"github.com/jobmesh/jobmesh/internal/reconciliation"
	"github.com/jobmesh/jobmesh/internal/security"
	"github.com/jobmesh/jobmesh/internal/staking"
	"github.com/jobmesh/jobmesh/internal/traces"
	"github.com/jobmesh/jobmesh/internal/validation"
	"github.com/jobmesh/jobmesh/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	agentsSvc     *agents.Service
	keyMgr        *keys.Manager
	ledger        *escrow.Ledger
	attestSvc     *attest.Service
	jobsSvc       *jobs.Service
	jobTimer      *jobs.Timer
	stakingEngine *staking.Engine
	reconTimer    *reconciliation.Timer
	webhooks      *webhooks.Dispatcher
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	tracesStop    func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage-backed subsystems (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		agentStore   agents.Store
		keyStore     keys.Store
		escrowStore  escrow.Store
		attestStore  attest.Store
		jobStore     jobs.Store
		stakeStore   staking.Store
		webhookStore webhooks.Store
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
		agentStore = agents.NewPostgresStore(db)
		keyStore = keys.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		attestStore = attest.NewPostgresStore(db)
		jobStore = jobs.NewPostgresStore(db)
		stakeStore = staking.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		agentStore = agents.NewMemoryStore()
		keyStore = keys.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		attestStore = attest.NewMemoryStore()
		jobStore = jobs.NewMemoryStore()
		stakeStore = staking.NewMemoryStore("0")
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Agent registry and capability keys
	s.agentsSvc = agents.NewService(agentStore)
	s.keyMgr = keys.NewManager(keyStore)

	// Attestation verifier with the configured allow-list
	s.attestSvc = attest.NewService(attestStore, cfg.AttesterAllowList)
	if len(cfg.AttesterAllowList) == 0 {
		s.logger.Warn("no attester allow-list configured; settlement cannot complete until one is set")
	}

	// Escrow ledger gated on attestation
	s.ledger = escrow.New(escrowStore, s.attestSvc)

	// External adapters share one circuit breaker so a dead upstream fails
	// fast instead of holding requests for the full timeout.
	breaker := circuitbreaker.New(5, 30*time.Second)

	// Price conversion: HTTP feed when configured, identity-only otherwise.
	// The static source with no rates still converts same-currency amounts
	// and fails closed on any cross-currency request.
	var priceSource pricefeed.Source
	if cfg.PriceFeedURL != "" {
		priceSource = pricefeed.NewGuardedSource(pricefeed.NewHTTPSource(cfg.PriceFeedURL, cfg.AdapterTimeout), breaker)
		s.logger.Info("price feed enabled", "url", cfg.PriceFeedURL)
	} else {
		static, err := pricefeed.NewStaticSource(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build static price source: %w", err)
		}
		priceSource = static
		s.logger.Info("price feed disabled; only settlement-currency amounts accepted")
	}
	converter := pricefeed.NewConverter(priceSource, cfg.SettlementCurrency, cfg.PriceStaleAfter)

	// Randomness for cashouts: beacon when configured, local entropy otherwise
	var randomSource randsrc.Source
	if cfg.RandomSourceURL != "" {
		randomSource = randsrc.NewGuardedSource(randsrc.NewHTTPSource(cfg.RandomSourceURL, cfg.AdapterTimeout), breaker)
		s.logger.Info("randomness beacon enabled", "url", cfg.RandomSourceURL)
	} else {
		randomSource = randsrc.LocalSource{}
	}
	checked := randsrc.NewChecked(randomSource, cfg.RandomStale)

	// Staking engine
	s.stakingEngine = staking.NewEngine(stakeStore, s.agentsSvc, checked, staking.Config{
		MinStake:      cfg.MinStake,
		HouseFeeBps:   cfg.HouseFeeBps,
		WinMultiplier: cfg.WinMultiplier,
	})

	// Webhook dispatcher and realtime hub for outbound events
	s.webhooks = webhooks.NewDispatcher(webhookStore, cfg.WebhookTimeout)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.stakingEngine.SetNotifier(s.cashoutNotifier())

	// Job registry: settlement credits reputation and, for staked agents,
	// routes earnings into the pool gamble
	s.jobsSvc = jobs.NewService(
		jobStore,
		s.ledger,
		s.agentsSvc,
		s.agentsSvc.Crediter(cfg.ReputationDivisor),
		s.stakingEngine.Crediter(),
		converter,
		s.notifier(),
		jobs.Config{FeeBps: cfg.FeeBps, MinBid: cfg.MinBid},
	)
	s.jobTimer = jobs.NewTimer(s.jobsSvc, 30*time.Second, s.logger)

	// Periodic conservation checks over escrow accounts and the staking pool
	if scanner, ok := escrowStore.(reconciliation.AccountScanner); ok {
		runner := reconciliation.NewRunner(scanner, s.stakingEngine)
		s.reconTimer = reconciliation.NewTimer(runner, s.logger)
	}

	s.registerHealthChecks()

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

// notifier fans job lifecycle events out to webhook subscribers and
// connected WebSocket clients.
func (s *Server) notifier() jobs.Notifier {
	return fanoutNotifier{
		webhooks.NewJobNotifier(s.webhooks),
		&realtimeNotifier{hub: s.realtimeHub},
	}
}

// cashoutNotifier fans cashout settlements out to webhook subscribers and
// connected WebSocket clients.
func (s *Server) cashoutNotifier() staking.Notifier {
	return cashoutFanout{
		webhooks.NewCashoutNotifier(s.webhooks),
		&realtimeCashoutNotifier{hub: s.realtimeHub},
	}
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	s.healthReg.Register("expiry_timer", func(ctx context.Context) health.Status {
		if !s.jobTimer.Running() {
			return health.Status{Name: "expiry_timer", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "expiry_timer", Healthy: true}
	})
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
	rateCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rateCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rateCfg)
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())
	// Resolve capability keys when presented; route-level Require guards
	// decide which operations need which permission
	v1.Use(keys.Middleware(s.keyMgr))

	v1.GET("/platform", s.platformHandler)

	agents.NewHandler(s.agentsSvc, s.cfg.AdminSecret).RegisterRoutes(v1)
	keys.NewHandler(s.keyMgr).RegisterRoutes(v1)
	jobs.NewHandler(s.jobsSvc).RegisterRoutes(v1)
	staking.NewHandler(s.stakingEngine).RegisterRoutes(v1)
	escrow.NewHandler(s.ledger).RegisterRoutes(v1)
	attest.NewHandler(s.attestSvc, s.jobsSvc).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhooks.Store()).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Jobmesh",
		"description": "Settlement engine for the agent job marketplace",
		"version":     "0.1.0",
		"currency":    s.cfg.SettlementCurrency,
	})
}

// platformHandler returns platform economics so agents can price their bids
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":               "Jobmesh",
			"version":            "0.1.0",
			"settlementCurrency": s.cfg.SettlementCurrency,
			"feeBps":             s.cfg.FeeBps,
			"minBid":             s.cfg.MinBid,
		},
		"staking": gin.H{
			"minStake":      s.cfg.MinStake,
			"houseFeeBps":   s.cfg.HouseFeeBps,
			"winMultiplier": s.cfg.WinMultiplier,
		},
		"instructions": gin.H{
			"register": "POST /v1/agents, then POST /v1/agents/{address}/keys for a capability key",
			"bid":      "POST /v1/jobs/{jobId}/bids with a bid-scoped capability key",
			"deliver":  "POST /v1/jobs/{jobId}/delivery with an execute-scoped capability key",
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

	// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	stop, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesStop = stop
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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start job deadline sweeper
	go s.jobTimer.Start(runCtx)

	// Start reconciliation sweeps
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop job deadline sweeper
	if s.jobTimer != nil {
		s.jobTimer.Stop()
		s.logger.Info("job timer stopped")
	}

	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
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

// fanoutNotifier delivers a job event to every wrapped notifier.
type fanoutNotifier []jobs.Notifier

func (f fanoutNotifier) Notify(event string, job *jobs.Job, agentAddr string, result map[string]interface{}) {
	for _, n := range f {
		n.Notify(event, job, agentAddr, result)
	}
}

// realtimeNotifier mirrors job events onto the WebSocket hub.
type realtimeNotifier struct {
	hub *realtime.Hub
}

func (n *realtimeNotifier) Notify(event string, job *jobs.Job, agentAddr string, result map[string]interface{}) {
	data := map[string]interface{}{
		"event":      event,
		"jobId":      job.ID,
		"posterAddr": job.PosterAddr,
		"agentAddr":  agentAddr,
		"status":     string(job.Status),
		"tags":       job.Tags,
	}
	if job.AssignedAgent != "" {
		data["assignedAgent"] = job.AssignedAgent
	}
	for k, v := range result {
		data[k] = v
	}
	n.hub.BroadcastJob(data)
}

// cashoutFanout delivers a cashout settlement to every wrapped notifier.
type cashoutFanout []staking.Notifier

func (f cashoutFanout) NotifyCashout(ev *staking.CashoutEvent) {
	for _, n := range f {
		n.NotifyCashout(ev)
	}
}

// realtimeCashoutNotifier mirrors cashout settlements onto the WebSocket hub.
type realtimeCashoutNotifier struct {
	hub *realtime.Hub
}

func (n *realtimeCashoutNotifier) NotifyCashout(ev *staking.CashoutEvent) {
	n.hub.BroadcastCashout(map[string]interface{}{
		"cashoutId": ev.ID,
		"agentAddr": ev.AgentAddr,
		"outcome":   ev.Outcome,
		"payout":    ev.Payout,
		"houseFee":  ev.HouseFee,
		"poolAfter": ev.PoolAfter,
	})
}
