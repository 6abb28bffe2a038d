// Package server wires the stores, services and HTTP routes together.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/ecollect/internal/admin"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/circuitbreaker"
	"github.com/mbd888/ecollect/internal/config"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/gateway"
	"github.com/mbd888/ecollect/internal/health"
	"github.com/mbd888/ecollect/internal/idgen"
	"github.com/mbd888/ecollect/internal/inspection"
	"github.com/mbd888/ecollect/internal/ledger"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/metrics"
	"github.com/mbd888/ecollect/internal/payments"
	"github.com/mbd888/ecollect/internal/pickup"
	"github.com/mbd888/ecollect/internal/ratelimit"
	"github.com/mbd888/ecollect/internal/realtime"
	"github.com/mbd888/ecollect/internal/reconciliation"
	"github.com/mbd888/ecollect/internal/registry"
	"github.com/mbd888/ecollect/internal/security"
	"github.com/mbd888/ecollect/internal/signature"
	"github.com/mbd888/ecollect/internal/syncutil"
	"github.com/mbd888/ecollect/internal/traces"
	"github.com/mbd888/ecollect/internal/validation"
	"github.com/mbd888/ecollect/internal/webhooks"
	"github.com/mbd888/ecollect/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	authMgr     *auth.Manager
	registry    *registry.Service
	pickups     *pickup.Service
	inspections *inspection.Service
	payments    *payments.Service
	audit       *ledger.Service

	subscriptions webhooks.Store

	bus         *events.Bus
	realtimeHub *realtime.Hub
	breaker     *circuitbreaker.Breaker
	gateway     gateway.Client // set by WithGateway, otherwise built from config
	reconciler  *reconciliation.Runner
	reconcile   *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	closers       []io.Closer
	flushTraces   func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownDelay time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by health checks and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithGateway replaces the configured payment gateway (for testing).
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownDelay: 5 * time.Second,
		health:        health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	flush, err := traces.Init(ctx, cfg.OTELEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.flushTraces = flush

	stores, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	s.subscriptions = stores.subscriptions
	if err := s.setupEvents(stores.subscriptions); err != nil {
		return nil, err
	}

	gw, err := s.buildGateway()
	if err != nil {
		return nil, err
	}

	locker, err := s.buildLocker(ctx)
	if err != nil {
		return nil, err
	}

	paymentSecret := cfg.PaymentSecret
	if paymentSecret == "" {
		// Development only; Validate rejects an empty secret elsewhere.
		paymentSecret = idgen.Hex(32)
		s.logger.Warn("PAYMENT_SECRET not set, using a random per-process secret")
	}
	verifier := signature.NewVerifier(paymentSecret, cfg.WebhookSecret)

	s.authMgr = auth.NewManager(stores.keys)
	if cfg.BootstrapOperatorKey != "" {
		if err := s.authMgr.Seed(ctx, cfg.BootstrapOperatorKey, "operator", auth.RoleOperator, "bootstrap"); err != nil {
			return nil, fmt.Errorf("failed to seed operator key: %w", err)
		}
		s.logger.Info("bootstrap operator key registered")
	}

	s.registry = registry.NewService(stores.participants)
	s.audit = ledger.NewService(stores.audit, s.logger)
	s.pickups = pickup.NewService(stores.pickups, s.registry, s.logger).
		WithEmitter(s.bus).
		WithMediaReleaser(pickup.MediaEvents{Emitter: s.bus})
	s.payments = payments.NewService(stores.payments, stores.paymentEvents, gw, verifier, s.logger).
		WithLocker(locker).
		WithEmitter(s.bus).
		WithPickupAccess(s.pickups)
	s.inspections = inspection.NewService(stores.inspections, s.pickups, s.payments, s.audit, s.logger).
		WithEmitter(s.bus).
		WithCurrency(cfg.Currency)
	s.payments.WithOutcomeHandler(s.inspections)

	s.reconciler = reconciliation.NewRunner(s.payments, s.inspections, s.audit, cfg.ReconcileStaleAfter, s.logger)
	s.reconcile = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// storeSet holds the persistence backends for every service.
type storeSet struct {
	keys          auth.Store
	participants  registry.Store
	pickups       pickup.Store
	inspections   inspection.Store
	payments      payments.Store
	paymentEvents payments.EventLog
	audit         ledger.Store
	subscriptions webhooks.Store
}

// openStores uses Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) (*storeSet, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return &storeSet{
			keys:          auth.NewMemoryStore(),
			participants:  registry.NewMemoryStore(),
			pickups:       pickup.NewMemoryStore(),
			inspections:   inspection.NewMemoryStore(),
			payments:      payments.NewMemoryStore(),
			paymentEvents: payments.NewMemoryEventLog(),
			audit:         ledger.NewMemoryStore(),
			subscriptions: webhooks.NewMemoryStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	return &storeSet{
		keys:          auth.NewPostgresStore(db),
		participants:  registry.NewPostgresStore(db),
		pickups:       pickup.NewPostgresStore(db),
		inspections:   inspection.NewPostgresStore(db),
		payments:      payments.NewPostgresStore(db),
		paymentEvents: payments.NewPostgresEventLog(db),
		audit:         ledger.NewPostgresStore(db),
		subscriptions: webhooks.NewPostgresStore(db),
	}, nil
}

// setupEvents builds the bus and subscribes every configured publisher.
func (s *Server) setupEvents(subs webhooks.Store) error {
	s.bus = events.NewBus(s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus.Subscribe("realtime", s.realtimeHub)
	s.bus.Subscribe("webhooks", webhooks.NewDispatcher(subs, s.logger))

	if len(s.cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		s.bus.Subscribe("kafka", kp)
		s.closers = append(s.closers, kp)
		s.logger.Info("publishing events to kafka", "topic", s.cfg.KafkaTopic)
	}
	if s.cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(s.cfg.NATSURL, s.cfg.NATSSubject)
		if err != nil {
			return err
		}
		s.bus.Subscribe("nats", np)
		s.closers = append(s.closers, np)
		s.logger.Info("publishing events to nats", "subject", s.cfg.NATSSubject)
	}
	return nil
}

// buildGateway wraps the provider client with timeout, retry and breaker.
func (s *Server) buildGateway() (gateway.Client, error) {
	inner := s.gateway
	if inner == nil {
		switch s.cfg.GatewayProvider {
		case config.ProviderREST:
			inner = gateway.NewRestClient(s.cfg.GatewayBaseURL, s.cfg.GatewayKeyID, s.cfg.GatewayKeySecret, s.cfg.GatewayTimeout)
		case config.ProviderStripe:
			inner = gateway.NewStripeClient(s.cfg.StripeAPIKey)
		case config.ProviderFake, "":
			s.logger.Warn("using in-process fake payment gateway")
			fake := gateway.NewFakeGateway()
			fake.AutoCapture = true
			inner = fake
		default:
			return nil, fmt.Errorf("unknown gateway provider %q", s.cfg.GatewayProvider)
		}
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second).WithFailureClassifier(gateway.CountsAsFailure)
	return gateway.NewGuarded(inner, s.breaker, s.cfg.GatewayTimeout, s.logger).
		WithRetry(3, 200*time.Millisecond), nil
}

// buildLocker returns a Redis lock when REDIS_URL is set so refunds are
// serialized across replicas; otherwise an in-process one.
func (s *Server) buildLocker(ctx context.Context) (syncutil.KeyLocker, error) {
	if s.cfg.RedisURL == "" {
		return syncutil.NewContextShardedMutex(), nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.closers = append(s.closers, client)
	s.logger.Info("using redis locks")
	return syncutil.NewRedisLocker(client, "ecollect:lock:", 30*time.Second), nil
}

// redisPinger adapts *redis.Client to health.Pinger.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", redisPinger{s.redis}))
	}
	s.health.Register("gateway", health.Breaker("gateway", s.breaker))
	s.health.Register("reconciler", health.Running("reconciler", s.reconcile.Running))
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

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
			logger.Debug("request completed",
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
	health.NewHandler(s.health, s.version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	rpm := s.cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = ratelimit.DefaultConfig().RequestsPerMinute
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: rpm,
		BurstSize:         max(rpm/6, 10),
		CleanupInterval:   time.Minute,
	})

	authn := auth.Middleware(s.authMgr)

	// Realtime stream: same API keys as /v1.
	s.router.GET("/ws", authn, auth.RequireAuth(), s.realtimeHub.Handle)

	v1 := s.router.Group("/v1")

	// Gateway webhooks authenticate by signature, not API key.
	paymentsHandler := payments.NewHandler(s.payments)
	public := v1.Group("")
	public.Use(s.rateLimiter.Middleware())
	paymentsHandler.RegisterWebhookRoutes(public)

	protected := v1.Group("")
	protected.Use(authn, s.rateLimiter.Middleware(), auth.RequireAuth())

	auth.NewHandler(s.authMgr).RegisterProtectedRoutes(protected)
	registry.NewHandler(s.registry).RegisterProtectedRoutes(protected)
	pickup.NewHandler(s.pickups).RegisterProtectedRoutes(protected)
	inspection.NewHandler(s.inspections).RegisterProtectedRoutes(protected)
	paymentsHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.subscriptions).RegisterProtectedRoutes(protected)

	operators := protected.Group("")
	operators.Use(auth.RequireRole(auth.RoleOperator))
	ledger.NewHandler(s.audit).RegisterRoutes(operators)
	admin.NewHandler(s.payments).
		WithReconciler(s.reconciler).
		WithBreaker(s.breaker).
		WithRealtime(s.realtimeHub).
		WithSweepHistory(s.reconcile).
		RegisterRoutes(operators)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until a
// signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.reconcile.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.reconcile.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Deliver events emitted by in-flight requests before closing publishers.
	s.bus.Flush()
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}

	if err := s.flushTraces(ctx); err != nil {
		s.logger.Error("trace flush error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Ready reports whether Run has started serving.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
