// Package main is the entry point for the climdex API server.
//
// It loads the configuration, wires the threshold resolver (dataset opener,
// field cache, optional Postgres persistence and SQS job dispatch), mounts
// the describe, catalog and registry handlers on the core chassis and serves
// HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"climdex/internal/api/handlers"
	"climdex/internal/cache"
	"climdex/internal/catalog"
	"climdex/internal/config"
	"climdex/internal/core"
	"climdex/internal/dataset"
	"climdex/internal/db"
	"climdex/internal/observability"
	"climdex/internal/percentile"
	"climdex/internal/queue"
	"climdex/internal/resolve"
	"climdex/internal/security"
	"climdex/internal/threshold"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("climdex API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return runHTTPServer(ctx, srv, cfg, logger)
}

// buildServer wires every collaborator named by cfg. The database and the
// job queue are optional; without them fields live only in memory and
// percentile thresholds are computed inline.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clock := clockwork.NewRealClock()

	recorder, err := wireMetrics(ctx, srv, cfg, logger)
	if err != nil {
		return nil, err
	}

	svcCfg := resolve.Config{
		Cache:        cache.New[*percentile.Field](cfg.Cache.Size, cfg.Cache.TTL, clock),
		Recorder:     recorder,
		Clock:        clock,
		Logger:       logger,
		MaxParallel:  cfg.Threshold.MaxParallel,
	}

	guard, err := security.NewGuard(security.WithAllowed(cfg.Dataset.AllowedPrefixes()...))
	if err != nil {
		return nil, err
	}
	opener := dataset.NewOpener(dataset.OpenerConfig{
		HTTPClient: security.NewHTTPClient(guard, cfg.Dataset.HTTPTimeout, cfg.Dataset.MaxRedirects),
		RetryPolicy: dataset.RetryPolicy{
			MaxRetries: cfg.Dataset.MaxRetries,
			MinWait:    cfg.Dataset.RetryMinWait,
			MaxWait:    cfg.Dataset.RetryMaxWait,
		},
		UserAgent:   cfg.Dataset.UserAgent,
		Concurrency: cfg.Dataset.Concurrency,
		Logger:      logger,
		CacheSize:   cfg.Dataset.OpenCacheSize,
		CacheTTL:    cfg.Dataset.OpenCacheTTL,
		LocalRoot:   cfg.Dataset.LocalRoot,
		DenyLocal:   cfg.Dataset.LocalRoot == "",
	})
	svcCfg.Reader = opener

	if cfg.Database.Enabled() {
		pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		svcCfg.Fields = db.NewFieldRepository(pool)
		svcCfg.Jobs = db.NewJobRepository(pool)
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: pool.Ping})
		srv.Closers = append(srv.Closers, closerFunc(func() error { pool.Close(); return nil }))
		logger.Info("percentile field persistence enabled")
	}

	if cfg.AWS.PercentileJobQueue != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		svcCfg.Dispatcher = queue.NewJobDispatcher(client, cfg.AWS, clock, logger)
		logger.Info("asynchronous percentile jobs enabled", "queue", cfg.AWS.PercentileJobQueue)
	}

	cat := catalog.Empty()
	if cfg.Threshold.CatalogPath != "" {
		cat, err = catalog.Load(cfg.Threshold.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("loading threshold catalog: %w", err)
		}
		logger.Info("threshold catalog loaded", "path", cfg.Threshold.CatalogPath, "entries", cat.Len())
	}

	opts, err := thresholdOptions(cfg.Threshold, opener)
	if err != nil {
		return nil, err
	}

	svc := resolve.NewService(svcCfg)
	th := handlers.NewThresholdHandler(svc, cat, srv.Validator, logger, opts...)
	ch := handlers.NewCatalogHandler(cat, logger, opts...)
	rh := handlers.NewRegistryHandler()

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { r.Route("/thresholds", th.RegisterRoutes) },
		func(r chi.Router) { r.Route("/catalog", ch.RegisterRoutes) },
		rh.RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

// wireMetrics installs the request collector on srv and returns the
// resolution recorder for the configured backend.
func wireMetrics(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) (observability.Recorder, error) {
	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := observability.NewMetrics(reg)
		srv.Metrics = m
		srv.Gatherer = reg
		return m, nil
	case "cloudwatch":
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		cw := observability.NewCloudWatchRecorder(client, logger).WithNamespace(cfg.Observability.MetricNamespace)
		srv.Metrics = cw
		return cw, nil
	default:
		return observability.NopRecorder{}, nil
	}
}

// thresholdOptions turns the configured defaults into construction options.
func thresholdOptions(tc config.ThresholdConfig, opener threshold.DatasetOpener) ([]threshold.Option, error) {
	interp, ok := percentile.LookupInterpolation(tc.DefaultInterpolation)
	if !ok {
		return nil, fmt.Errorf("unknown default interpolation %q", tc.DefaultInterpolation)
	}
	opts := []threshold.Option{
		threshold.WithDatasetOpener(opener),
		threshold.WithDefaults(tc.DefaultWindow, interp),
	}
	if tc.StrictOperator {
		opts = append(opts, threshold.WithStrictOperator())
	}
	return opts, nil
}

func loadAWSConfig(ctx context.Context, ac config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(ac.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return awsCfg, nil
}

// runHTTPServer serves until ctx is cancelled, then drains in-flight requests
// and releases the server resources.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
