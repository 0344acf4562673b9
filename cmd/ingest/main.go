package main

import (
	"WalletPnL/internal/config"
	"WalletPnL/internal/ingestion"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/persistence"
	"WalletPnL/internal/retry"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	interval := flag.Duration("interval", 0, "run repeatedly at this interval; 0 runs once and exits")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address while looping")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("ingest", observability.ParseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	db, err := persistence.Open(ctx, cfg.PostgresURL, retry.New(
		retry.WithMaxRetries(cfg.Retry.MaxRetries),
		retry.WithInitialInterval(cfg.Retry.InitialInterval),
		retry.WithMaxInterval(cfg.Retry.MaxInterval),
	))
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()

	if _, err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	var publisher ingestion.RunPublisher = ingestion.NopPublisher{}
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("run notifications disabled")
		} else {
			defer nc.Close()
			if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
				logger.Fatal().Err(err).Msg("ensure price stream")
			}
			publisher = ingestion.NewJetStreamPublisher(js, logger)
		}
	}

	source := ingestion.NewCoinGeckoClient(ingestion.CoinGeckoConfig{
		BaseURL:        cfg.CoinGecko.BaseURL,
		APIKey:         cfg.CoinGecko.APIKey,
		VsCurrency:     cfg.CoinGecko.VsCurrency,
		RatePerSecond:  cfg.CoinGecko.RatePerSecond,
		RateLimitDelay: cfg.CoinGecko.RateLimitDelay,
		MaxRetries:     cfg.CoinGecko.MaxRetries,
	}, logger.With().Str("provider", "coingecko").Logger(), metrics)

	pipeline := ingestion.NewPipeline(ingestion.PipelineConfig{
		TopN: cfg.CoinGecko.TopN,
		Days: cfg.CoinGecko.Days,
	}, source, persistence.NewPriceWriter(db), publisher, logger, metrics)

	if *interval <= 0 {
		if _, err := pipeline.Run(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, logger)
	}
	runEvery(ctx, *interval, pipeline, logger)
}

// runEvery runs the pipeline now and then on every tick until ctx ends.
// A failed run is already recorded in the run log, so the loop continues.
func runEvery(ctx context.Context, interval time.Duration, pipeline *ingestion.Pipeline, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = pipeline.Run(ctx)

		select {
		case <-ctx.Done():
			logger.Info().Msg("ingestion loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
