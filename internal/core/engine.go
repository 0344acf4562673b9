// Package core orchestrates a wallet PnL computation: it fetches balance
// events once, then reconciles and values each asset independently.
package core

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/ledger"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/projection"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// BalanceEventProvider returns every balance-change event known for a wallet.
type BalanceEventProvider interface {
	FetchBalanceEvents(ctx context.Context, wallet string) ([]event.BalanceEvent, error)
}

// PriceProvider returns the hourly price series of the most recent
// successful ingestion run for an asset. An empty series means no prices.
type PriceProvider interface {
	HourlyPrices(ctx context.Context, assetID string) (event.PriceSeries, error)
}

// RetryPolicy runs fn with bounded retries. retry.Retrier satisfies it.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Result maps asset ID to its valued hourly series. Assets that failed are
// absent.
type Result map[string][]projection.Row

type EngineConfig struct {
	Window       time.Duration
	GapPolicy    ledger.GapPolicy
	AssetWorkers int
}

type EngineDeps struct {
	Events  BalanceEventProvider
	Prices  PriceProvider
	Retry   RetryPolicy
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine computes PnL results. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	cfg     EngineConfig
	events  BalanceEventProvider
	prices  PriceProvider
	retry   RetryPolicy
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

var errAssetPanic = errors.New("asset computation panicked")

func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = ledger.DefaultWindow
	}
	if cfg.AssetWorkers <= 0 {
		cfg.AssetWorkers = 1
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = ledger.GapPolicyReject
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	retry := deps.Retry
	if retry == nil {
		retry = noRetry{}
	}
	return &Engine{
		cfg:     cfg,
		events:  deps.Events,
		prices:  deps.Prices,
		retry:   retry,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		now:     now,
	}
}

// ComputeWalletPnL returns the valued series of every asset the wallet
// holds. Only a balance-provider failure, an unknown wallet or a cancelled
// context fail the whole request; anything else drops the offending asset.
func (e *Engine) ComputeWalletPnL(ctx context.Context, wallet string) (Result, error) {
	start := time.Now()
	log := e.logger.With().Str("wallet", wallet).Logger()

	events, err := e.fetchEvents(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrInvalidWallet
	}

	assets := event.AssetIDs(events)
	grid := ledger.BuildGrid(e.now(), e.cfg.Window)

	slots := make([][]projection.Row, len(assets))

	var g errgroup.Group
	g.SetLimit(e.cfg.AssetWorkers)
	for i, assetID := range assets {
		assetEvents := event.FilterAsset(events, assetID)
		g.Go(func() error {
			assetStart := time.Now()
			rows, err := e.computeAsset(ctx, assetID, assetEvents, grid)
			if e.metrics != nil {
				e.metrics.AssetDuration.Observe(time.Since(assetStart).Seconds())
			}
			if err != nil {
				reason := failureReason(err)
				log.Warn().
					Err(err).
					Str("asset", assetID).
					Str("reason", reason).
					Msg("asset omitted from result")
				if e.metrics != nil {
					e.metrics.AssetFailures.WithLabelValues(reason).Inc()
				}
				return nil
			}
			slots[i] = rows
			if e.metrics != nil {
				e.metrics.AssetsComputed.Inc()
			}
			sum := projection.Summarize(rows)
			log.Debug().
				Str("asset", assetID).
				Str("start_usd", sum.StartValue.String()).
				Str("end_usd", nullString(sum.EndValue)).
				Str("pnl", nullString(sum.PnL)).
				Int("missing_hours", sum.MissingHours).
				Msg("asset valued")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("compute pnl: %w", err)
	}

	result := make(Result, len(assets))
	for i, assetID := range assets {
		if slots[i] != nil {
			result[assetID] = slots[i]
		}
	}

	log.Info().
		Int("events", len(events)).
		Int("assets", len(assets)).
		Int("valued", len(result)).
		Time("grid_start", grid.Start()).
		Time("grid_end", grid.End()).
		Dur("elapsed", time.Since(start)).
		Msg("wallet pnl computed")

	return result, nil
}

func (e *Engine) fetchEvents(ctx context.Context, wallet string) ([]event.BalanceEvent, error) {
	var events []event.BalanceEvent
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		events, err = e.events.FetchBalanceEvents(ctx, wallet)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch balance events: %w", err)
		}
		return nil, fmt.Errorf("fetch balance events: %w: %w", ErrTransientProvider, err)
	}
	return events, nil
}

func (e *Engine) fetchPrices(ctx context.Context, assetID string) (event.PriceSeries, error) {
	var series event.PriceSeries
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		series, err = e.prices.HourlyPrices(ctx, assetID)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch prices: %w", err)
		}
		return nil, fmt.Errorf("fetch prices: %w: %w", ErrTransientProvider, err)
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrMissingPriceSeries, assetID)
	}
	return series, nil
}

// computeAsset runs one asset end to end. A panic is converted to an error
// so that a single bad series cannot take down the request.
func (e *Engine) computeAsset(ctx context.Context, assetID string, events []event.BalanceEvent, grid ledger.Grid) (rows []projection.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("asset", assetID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in asset computation")
			rows, err = nil, fmt.Errorf("%w: %v", errAssetPanic, r)
		}
	}()

	prices, err := e.fetchPrices(ctx, assetID)
	if err != nil {
		return nil, err
	}

	balances, err := ledger.Reconcile(events, grid, e.cfg.GapPolicy)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", assetID, err)
	}

	valued, err := projection.Value(balances, prices)
	if err != nil {
		return nil, fmt.Errorf("value %s: %w", assetID, err)
	}
	return valued, nil
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "missing"
	}
	return d.Decimal.String()
}

type noRetry struct{}

func (noRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
