package main

import (
	"WalletPnL/internal/config"
	"WalletPnL/internal/core"
	"WalletPnL/internal/event"
	"WalletPnL/internal/ingestion"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/persistence"
	"WalletPnL/internal/query"
	"WalletPnL/internal/retry"
	"WalletPnL/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "walletpnl: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("walletpnl", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("WalletPnL starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.PostgresURL, newRetrier(cfg.Retry, "postgres", logger, metrics))
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)
	applied, err := migrator.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations applied")

	// --- Providers ---
	priceService := query.NewPriceService(db)
	prices := query.NewPriceCache(priceService, cfg.PnL.PriceCacheTTL, metrics)
	logActiveRun(ctx, priceService, logger)

	events := ingestion.NewAlliumClient(ingestion.AlliumConfig{
		BaseURL:       cfg.Allium.BaseURL,
		APIKey:        cfg.Allium.APIKey,
		QueryID:       cfg.Allium.QueryID,
		Limit:         cfg.Allium.Limit,
		PollInterval:  cfg.Allium.PollInterval,
		PollTimeout:   cfg.Allium.PollTimeout,
		LogEvery:      cfg.Allium.LogEvery,
		RatePerSecond: cfg.Allium.RatePerSecond,
	}, logger.With().Str("provider", "allium").Logger(), metrics)
	if cfg.Allium.APIKey == "" {
		logger.Warn().Msg("ALLIUM_API_KEY not set, balance queries will be rejected upstream")
	}

	// --- NATS (optional) ---
	// Successful ingestion runs flush the price cache. Without NATS the
	// cache TTL alone bounds staleness.
	if cfg.NATSURL != "" {
		nc, subscriber, err := subscribeRuns(ctx, cfg.NATSURL, prices, priceService, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("ingestion notifications disabled")
		} else {
			defer nc.Close()
			defer subscriber.Stop()
		}
	}

	// --- Engine ---
	engine := core.NewEngine(core.EngineConfig{
		Window:       cfg.PnL.Window,
		GapPolicy:    cfg.GapPolicy(),
		AssetWorkers: cfg.PnL.AssetWorkers,
	}, core.EngineDeps{
		Events:  events,
		Prices:  prices,
		Retry:   newRetrier(cfg.Retry, "engine", logger, metrics),
		Logger:  logger,
		Metrics: metrics,
	})

	// --- gRPC + HTTP server ---
	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.ServerDeps{
		Computer:       engine,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: cfg.PnL.RequestTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 3)

	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Dur("window", cfg.PnL.Window).
		Str("gap_policy", string(cfg.GapPolicy())).
		Msg("WalletPnL ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("listener failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()

	// listeners stop on ctx; give in-flight requests a moment to drain
	time.Sleep(500 * time.Millisecond)
	logger.Info().Msg("WalletPnL shutdown complete")
}

// newRetrier builds the retry policy used at one external boundary and
// counts each retry under that boundary's label.
func newRetrier(cfg config.RetryConfig, provider string, logger zerolog.Logger, metrics *observability.Metrics) *retry.Retrier {
	return retry.New(
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithInitialInterval(cfg.InitialInterval),
		retry.WithMaxInterval(cfg.MaxInterval),
		retry.WithOnRetry(func(attempt int, wait time.Duration, err error) {
			metrics.ProviderRetries.WithLabelValues(provider).Inc()
			logger.Warn().
				Err(err).
				Str("provider", provider).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying")
		}),
	)
}

// logActiveRun reports which ingestion run price reads currently resolve to.
func logActiveRun(ctx context.Context, prices *query.PriceService, logger zerolog.Logger) {
	run, ok, err := prices.LatestRun(ctx)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("look up active price run")
	case !ok:
		logger.Warn().Msg("no successful price ingestion yet, assets will have no price series")
	default:
		logger.Info().
			Str("run_id", run.RunID).
			Time("job_start_ts", run.StartedAt).
			Msg("serving prices from ingestion run")
	}
}

func subscribeRuns(ctx context.Context, url string, cache *query.PriceCache, prices *query.PriceService, logger zerolog.Logger) (*nats.Conn, *ingestion.RunSubscriber, error) {
	nc, js, err := ingestion.ConnectNATS(url, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, err
	}

	subscriber := ingestion.NewRunSubscriber(js, logger)
	err = subscriber.Subscribe(ctx, func(run event.IngestionRun) {
		cache.Invalidate()
		logger.Info().
			Str("run_id", run.RunID).
			Time("job_start_ts", run.StartedAt).
			Msg("price cache flushed after ingestion run")
		logActiveRun(ctx, prices, logger)
	})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, subscriber, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
