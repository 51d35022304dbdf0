// Package server wires the escrow engine together: stores, chain
// access, the channel pool, the deposit reconciler, the confirmation
// protocol and the HTTP surface in front of them.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/otcbridge/otcbridge/internal/chainclient"
	"github.com/otcbridge/otcbridge/internal/config"
	"github.com/otcbridge/otcbridge/internal/deposit"
	"github.com/otcbridge/otcbridge/internal/events"
	"github.com/otcbridge/otcbridge/internal/health"
	"github.com/otcbridge/otcbridge/internal/idgen"
	"github.com/otcbridge/otcbridge/internal/logging"
	"github.com/otcbridge/otcbridge/internal/metrics"
	"github.com/otcbridge/otcbridge/internal/pool"
	"github.com/otcbridge/otcbridge/internal/ratelimit"
	"github.com/otcbridge/otcbridge/internal/settlement"
	"github.com/otcbridge/otcbridge/internal/token"
	"github.com/otcbridge/otcbridge/internal/traces"
	"github.com/otcbridge/otcbridge/internal/trade"
	"github.com/otcbridge/otcbridge/internal/validation"
	"github.com/otcbridge/otcbridge/internal/wallet"

	"github.com/otcbridge/otcbridge/internal/security"
)

// Server is the escrow engine HTTP server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db       *sql.DB
	registry *token.Registry
	chain    *chainclient.Client
	wallet   *wallet.Wallet

	hub        *events.Hub
	trades     *trade.Service
	channels   *pool.Service
	deposits   *deposit.Engine
	settlement *settlement.Service

	poolStore  pool.Store
	tradeStore trade.Store
	timer      *pool.Timer
	limiter    *ratelimit.Limiter
	health     *health.Registry

	httpServer      *http.Server
	ready           atomic.Bool
	runCancel       context.CancelFunc
	shutdownTracing func(context.Context) error
}

// Option configures the server, mostly for tests.
type Option func(*options)

type options struct {
	chainBackend chainclient.Backend
	walletClient wallet.EthClient
	participants pool.ParticipantManager
	funds        settlement.FundMover
}

// WithChainBackend injects a chain read backend instead of dialing RPC.
func WithChainBackend(b chainclient.Backend) Option {
	return func(o *options) { o.chainBackend = b }
}

// WithWalletClient injects an eth client for the custodial wallet.
func WithWalletClient(c wallet.EthClient) Option {
	return func(o *options) { o.walletClient = c }
}

// WithParticipantManager sets the chat-platform integration the pool
// uses to evict members and rotate invite tokens.
func WithParticipantManager(m pool.ParticipantManager) Option {
	return func(o *options) { o.participants = m }
}

// WithFundMover replaces the custodial wallet as the settlement fund
// mover. When set, no wallet is constructed.
func WithFundMover(f settlement.FundMover) Option {
	return func(o *options) { o.funds = f }
}

// New creates a fully wired server from config.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := logging.New(cfg.LogLevel, "json")
	slog.SetDefault(logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		health: health.NewRegistry(),
	}

	// Stores: Postgres when configured, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.tradeStore = trade.NewPostgresStore(db)
		s.poolStore = pool.NewPostgresStore(db)
		s.health.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
		logger.Info("using postgres stores")
	} else {
		s.tradeStore = trade.NewMemoryStore()
		s.poolStore = pool.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	s.registry = token.NewRegistry(cfg.Tokens)

	chainCfg := chainclient.DefaultConfig()
	chainCfg.RPCURL = cfg.RPCURL
	var chainOpts []chainclient.Option
	if o.chainBackend != nil {
		chainOpts = append(chainOpts, chainclient.WithBackend(o.chainBackend))
	}
	chain, err := chainclient.New(chainCfg, chainOpts...)
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("chain client: %w", err)
	}
	s.chain = chain

	funds := o.funds
	if funds == nil {
		walletCfg := wallet.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		}
		var walletOpts []wallet.Option
		if o.walletClient != nil {
			walletOpts = append(walletOpts, wallet.WithClient(o.walletClient))
		}
		w, err := wallet.New(walletCfg, s.registry, walletOpts...)
		if err != nil {
			s.closePartial()
			return nil, fmt.Errorf("wallet: %w", err)
		}
		s.wallet = w
		funds = w
		logger.Info("custodial wallet ready", "address", w.Address())
	}

	s.hub = events.NewHub(logger)

	participants := o.participants
	if participants == nil {
		participants = detachedParticipants{}
		logger.Warn("no participant manager configured, recycling will rotate tokens only")
	}

	s.channels = pool.NewService(s.poolStore, participants, pool.Config{
		ProtectedIDs: cfg.ProtectedIDs,
		GraceWindow:  cfg.GraceWindow,
	}, logger).WithNotifier(s.hub)

	s.trades = trade.NewService(s.tradeStore, s.channels).WithNotifier(s.hub)

	s.deposits = deposit.NewEngine(s.tradeStore, chain, s.registry, deposit.Config{
		Default:   cfg.DepositAddress,
		Tolerance: cfg.DepositTolerance,
	}).WithNotifier(s.hub)

	s.settlement = settlement.NewService(s.trades, funds, s.registry, logger).WithNotifier(s.hub)

	s.timer = pool.NewTimer(s.channels, s.poolStore, s.trades, logger)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS * 60,
		BurstSize:         cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})

	s.setupRouter()
	return s, nil
}

func (s *Server) closePartial() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Server) setupRouter() {
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered", "panic", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware(nil))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(metrics.Middleware())

	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleLiveness)
	router.GET("/readyz", s.handleReadiness)
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/v1")
	v1.Use(s.limiter.Middleware())
	v1.Use(s.identifyAdmin())

	tradeHandler := trade.NewHandler(s.trades)
	poolHandler := pool.NewHandler(s.channels, s.poolStore)
	depositHandler := deposit.NewHandler(s.deposits)
	settlementHandler := settlement.NewHandler(s.settlement)

	tradeHandler.RegisterRoutes(v1)
	poolHandler.RegisterRoutes(v1)
	depositHandler.RegisterRoutes(v1)
	settlementHandler.RegisterRoutes(v1)

	v1.GET("/events", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	admin := router.Group("/v1/admin")
	admin.Use(s.requireAdmin())
	poolHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)

	s.router = router
}

// identifyAdmin marks the request as operator-issued when the admin
// secret matches. Public endpoints stay accessible without it.
func (s *Server) identifyAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret != "" && c.GetHeader("X-Admin-Secret") == s.cfg.AdminSecret {
			c.Set("isAdmin", true)
		}
		c.Next()
	}
}

// requireAdmin rejects requests without the admin secret.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required",
			})
			return
		}
		c.Set("isAdmin", true)
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		c.Header("X-Request-ID", requestID)
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
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
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", attrs...)
		case status >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	healthy, _ := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownTracing = shutdown
		}
	}

	go s.hub.Run(runCtx)
	go s.timer.Start(runCtx)

	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark ready once the listener has had a moment to bind.
	time.AfterFunc(100*time.Millisecond, func() { s.ready.Store(true) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	return s.Shutdown()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cfg.Env == "production" {
		// Let load balancers observe the readiness flip before the
		// listener closes.
		time.Sleep(5 * time.Second)
	}

	if s.runCancel != nil {
		s.runCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}

	s.timer.Stop()
	s.limiter.Stop()

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown", "error", err)
		}
	}
	if s.wallet != nil {
		if err := s.wallet.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// detachedParticipants is the fallback when no chat integration is
// configured. It evicts nobody and mints random invite tokens, which
// keeps the recycling path functional for API-driven deployments where
// the chat layer registers its own manager at startup.
type detachedParticipants struct{}

func (detachedParticipants) ListParticipants(ctx context.Context, channelID string) ([]string, error) {
	return nil, nil
}

func (detachedParticipants) EvictParticipant(ctx context.Context, channelID, participantID string) (bool, error) {
	return true, nil
}

func (detachedParticipants) RotateAccessToken(ctx context.Context, channelID string) (string, error) {
	return idgen.Hex(16), nil
}
