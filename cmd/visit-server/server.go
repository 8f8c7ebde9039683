package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/staff"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
	"github.com/ehr/visitflow/internal/platform/middleware"
	"github.com/ehr/visitflow/internal/platform/notification"
	"github.com/ehr/visitflow/internal/platform/telemetry"
	"github.com/ehr/visitflow/internal/platform/websocket"
)

// devStaffID is the identity used by development auth when no X-Staff-ID
// header is sent.
const devStaffID = "dev-admin"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// authMiddleware picks the authentication scheme for the API group.
func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(devStaffID), nil
	case "shared_key":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}), nil
	case "external":
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func loadRoutingTable(cfg *config.Config, logger zerolog.Logger) (*visit.RoutingTable, error) {
	rt, err := loadRouting(cfg.RoutingFile)
	if err != nil {
		return nil, err
	}
	src := cfg.RoutingFile
	if src == "" {
		src = "built-in"
	}
	logger.Info().Str("source", src).Int("transitions", rt.Edges()).Msg("routing table loaded")
	return rt, nil
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing and metrics
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.TelemetryConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Environment:    cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	instruments, err := telemetry.NewInstruments()
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	routing, err := loadRoutingTable(cfg, logger)
	if err != nil {
		return err
	}

	// Notifications go to Redis pub/sub when configured, otherwise to the log.
	var (
		rdb       *redis.Client
		transport notification.Transport
		limiter   middleware.Limiter
	)
	if cfg.RedisURL != "" {
		rdb, err = notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer rdb.Close()
		transport = notification.NewRedisTransport(rdb, cfg.NotifyChannelPrefix)
		rl := middleware.DefaultRateLimitConfig()
		limiter = middleware.NewRedisLimiter(rdb, cfg.NotifyChannelPrefix, int64(rl.BurstSize), time.Second)
		logger.Info().Str("prefix", cfg.NotifyChannelPrefix).Msg("publishing notifications to redis")
	} else {
		transport = notification.NewLogTransport(logger)
		limiter = middleware.NewMemoryLimiter(middleware.DefaultRateLimitConfig())
		logger.Warn().Msg("REDIS_URL not set, notifications are only logged")
	}
	hub := websocket.NewHub(cfg.NotifyChannelPrefix)
	defer hub.Close()
	notifyMgr := notification.NewManager(notification.MultiTransport{transport, hub}, notification.NewTemplateEngine())
	notifier := notification.NewAsync(notifyMgr, logger, 5*time.Second)

	// Domain services
	staffSvc := staff.NewService(staff.NewRepo(pool))
	visitSvc := visit.NewService(visit.NewRepo(pool), staffSvc, routing)
	visitSvc.SetNotifier(notifier)
	visitSvc.SetLogger(logger)
	visitSvc.SetInstruments(instruments)

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return err
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader, db.TenantHeader, auth.DevStaffHeader},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(pool, healthChecks(rdb)))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMW)
	apiV1.Use(middleware.RateLimit(limiter, logger))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	visit.NewHandler(visitSvc).RegisterRoutes(apiV1)
	staff.NewHandler(staffSvc).RegisterRoutes(apiV1)
	notification.NewHandler(notifyMgr).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, streamTopics(staffSvc, cfg.NotifyChannelPrefix), logger, cfg.CORSOrigins).RegisterRoutes(apiV1)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	notifier.Wait()
	hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}

// streamTopics lets an active staff member follow their own channel and
// their branch board in the request's tenant.
func streamTopics(dir visit.StaffDirectory, prefix string) websocket.TopicResolver {
	return func(ctx context.Context, staffID string) ([]string, error) {
		ref, err := dir.LookupStaff(ctx, staffID)
		if err != nil {
			return nil, err
		}
		tenant := db.TenantFromContext(ctx)
		return []string{
			notification.StaffChannel(prefix, tenant, ref.ID),
			notification.BranchChannel(prefix, tenant, ref.BranchID),
		}, nil
	}
}

func healthChecks(rdb *redis.Client) map[string]db.Check {
	if rdb == nil {
		return nil
	}
	return map[string]db.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}
