package ingestion

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PriceSource is the market data API the pipeline extracts from.
type PriceSource interface {
	TopCoins(ctx context.Context, n int) ([]string, error)
	MarketChart(ctx context.Context, coinID string, days int) ([]PriceSample, error)
}

// PriceSink stages and loads one asset's points under a run, and records
// the run outcome.
type PriceSink interface {
	LoadPrices(ctx context.Context, run event.IngestionRun, points []event.PricePoint) (int64, error)
	LogRun(ctx context.Context, run event.IngestionRun) error
}

// RunPublisher announces a finished run.
type RunPublisher interface {
	PublishRun(ctx context.Context, run event.IngestionRun) error
}

type PipelineConfig struct {
	TopN int
	Days int
}

// Pipeline is the hourly price ELT job: rank coins, pull each chart,
// bucket it to hours and load it stamped with the run start.
type Pipeline struct {
	cfg       PipelineConfig
	source    PriceSource
	sink      PriceSink
	publisher RunPublisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewPipeline(cfg PipelineConfig, source PriceSource, sink PriceSink, publisher RunPublisher, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Pipeline{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// WithClock overrides the run start clock.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes one ingestion. The run is always logged; a run that fails
// part way is logged as an error so readers never select its rows. The
// returned error is the extraction or load failure, if any.
func (p *Pipeline) Run(ctx context.Context) (event.IngestionRun, error) {
	run := event.IngestionRun{
		RunID: uuid.NewString(),
		// Postgres TIMESTAMP keeps microseconds; readers join on equality.
		StartedAt: p.now().UTC().Truncate(time.Microsecond),
	}
	log := p.logger.With().Str("run_id", run.RunID).Time("job_start_ts", run.StartedAt).Logger()
	log.Info().Int("top_n", p.cfg.TopN).Int("days", p.cfg.Days).Msg("price ingestion started")

	runErr := p.extractAndLoad(ctx, &run, log)

	run.FinishedAt = p.now().UTC()
	run.Status = event.RunStatusSuccess
	if runErr != nil {
		run.Status = event.RunStatusError
		run.Error = runErr.Error()
	}

	// The outcome must be recorded even if the caller's context expired.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.sink.LogRun(logCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to record run outcome")
		if runErr == nil {
			runErr = fmt.Errorf("log run: %w", err)
		}
		run.Status = event.RunStatusError
	}

	if p.metrics != nil {
		p.metrics.IngestRuns.WithLabelValues(string(run.Status)).Inc()
		p.metrics.IngestDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}

	if err := p.publisher.PublishRun(logCtx, run); err != nil {
		// Readers poll the run log; a lost notification only delays cache refresh.
		log.Warn().Err(err).Msg("publish run event failed")
	}

	evt := log.Info()
	if runErr != nil {
		evt = log.Error().Err(runErr)
	}
	evt.Str("status", string(run.Status)).
		Int("assets", len(run.Assets)).
		Int("rows", run.RowsLoaded).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Msg("price ingestion finished")

	return run, runErr
}

func (p *Pipeline) extractAndLoad(ctx context.Context, run *event.IngestionRun, log zerolog.Logger) error {
	coins, err := p.source.TopCoins(ctx, p.cfg.TopN)
	if err != nil {
		return fmt.Errorf("extract top coins: %w", err)
	}
	if len(coins) == 0 {
		return fmt.Errorf("extract top coins: empty ranking")
	}

	for _, coinID := range coins {
		samples, err := p.source.MarketChart(ctx, coinID, p.cfg.Days)
		if err != nil {
			return fmt.Errorf("extract %s: %w", coinID, err)
		}
		points := BucketHourly(coinID, samples, run.StartedAt)
		if len(points) == 0 {
			log.Warn().Str("asset", coinID).Msg("market chart returned no samples")
			continue
		}

		n, err := p.sink.LoadPrices(ctx, *run, points)
		if err != nil {
			return fmt.Errorf("load %s: %w", coinID, err)
		}
		run.Assets = append(run.Assets, coinID)
		run.RowsLoaded += int(n)
		if p.metrics != nil {
			p.metrics.IngestRowsLoaded.WithLabelValues(coinID).Add(float64(n))
		}
		log.Debug().Str("asset", coinID).Int("samples", len(samples)).Int64("rows", n).Msg("asset loaded")
	}
	return nil
}
