// Package main is the entry point for the WorkWell engagement BFF server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/internal/api"
	"github.com/pitabwire/workwell/internal/cache"
	"github.com/pitabwire/workwell/internal/catalog"
	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/engagement"
	"github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/internal/myd"
	"github.com/pitabwire/workwell/internal/navigation"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/openapi"
	"github.com/pitabwire/workwell/internal/ratelimit"
	"github.com/pitabwire/workwell/internal/store"
	"github.com/pitabwire/workwell/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "workwell-bff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Check the remote route table against the upstream OpenAPI
	// document (optional).
	if cfg.API.SpecFile != "" {
		idx, err := openapi.Load(cfg.API.SpecFile)
		if err != nil {
			logger.Error("upstream OpenAPI document load failed", zap.Error(err))
			return 1
		}
		if err := idx.Verify(api.Routes()); err != nil {
			logger.Error("remote route table does not match the upstream API", zap.Error(err))
			return 1
		}
		logger.Info("remote route table verified", zap.Int("operations", idx.Len()))
	}

	// Step 5: Initialize the collection cache.
	collectionCache, cacheCloser, err := buildCollectionCache(cfg.Cache, logger)
	if err != nil {
		logger.Error("collection cache initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the analytics sink.
	sink, sinkCloser, err := buildAnalyticsSink(ctx, cfg.Analytics, logger)
	if err != nil {
		logger.Error("analytics sink initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Build the remote API client and dispatcher.
	client := api.NewClient(cfg.API, metrics, logger)
	dispatcher := api.NewDispatcher(client, cfg.API.ActionTimeout, metrics, logger)

	// Step 8: Build the engagement services.
	userStore := store.New(cfg.Engagement.SessionIdleTTL)
	collections := catalog.New(collectionCache, dispatcher, cfg.Cache.TTL, metrics, logger)
	reconciler := engagement.NewAssignmentReconciler(dispatcher, userStore, metrics, logger)
	controller := engagement.NewController(dispatcher, collections, reconciler,
		cfg.Engagement.AwaitTimeout, cfg.Engagement.SessionIdleTTL, metrics, logger)
	navigator := navigation.NewNavigator(dispatcher, controller, collections, sink, metrics, logger)
	historySvc := history.NewService(dispatcher, collections, userStore, cfg.Engagement.DefaultTimezone, metrics, logger)
	mydSvc := myd.NewService(dispatcher, cfg.Engagement.DefaultTimezone, logger)

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	inbound := ratelimit.New(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	apiRoot := client.Root()

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks, metrics),
		Limiter:      inbound,
		Readiness: observability.ReadinessChecks{
			RemoteAPIAvailable: client.Available,
			CollectionCache:    collectionCache,
			AnalyticsStore:     sink,
			Identity:           jwks,
		},
		CollectionURL: func(id string) string { return api.CollectionURL(apiRoot, id) },
		Controller:    controller,
		Navigator:     navigator,
		History:       historySvc,
		MYD:           mydSvc,
		Completions:   sink,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweep := cfg.Engagement.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	go controller.RunSweeper(bgCtx, sweep)
	go userStore.RunEviction(bgCtx, sweep)
	go inbound.RunCleanup(bgCtx, sweep)
	go client.Limiter().RunCleanup(bgCtx, sweep)

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("api_root", apiRoot),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if sinkCloser != nil {
		sinkCloser()
	}
	if cacheCloser != nil {
		cacheCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCollectionCache creates the collection metadata cache based on config.
func buildCollectionCache(cfg config.CacheConfig, logger *zap.Logger) (cache.CollectionCache, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory collection cache")
		return cache.NewMemory(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("collection cache: %s environment variable not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis collection cache", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return cache.NewRedis(rdb), func() { rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported collection cache driver: %q", cfg.Driver)
	}
}

// buildAnalyticsSink creates the completion event sink based on config.
func buildAnalyticsSink(ctx context.Context, cfg config.AnalyticsConfig, logger *zap.Logger) (analytics.Sink, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory analytics sink")
		return analytics.NewMemorySink(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("analytics sink: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("analytics sink: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("analytics sink: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("analytics sink: ping: %w", err)
		}

		sink := analytics.NewPgSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("analytics sink: %w", err)
		}
		logger.Info("using postgres analytics sink")
		return sink, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported analytics sink driver: %q", cfg.Driver)
	}
}
