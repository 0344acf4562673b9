package ingestion_test

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/ingestion"
	"WalletPnL/internal/observability"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	coins    []string
	charts   map[string][]ingestion.PriceSample
	chartErr map[string]error
}

func (f *fakeSource) TopCoins(_ context.Context, n int) ([]string, error) {
	if len(f.coins) > n {
		return f.coins[:n], nil
	}
	return f.coins, nil
}

func (f *fakeSource) MarketChart(_ context.Context, coinID string, _ int) ([]ingestion.PriceSample, error) {
	if err := f.chartErr[coinID]; err != nil {
		return nil, err
	}
	return f.charts[coinID], nil
}

type fakeSink struct {
	loaded map[string][]event.PricePoint
	runs   []event.IngestionRun
	logErr error
}

func (f *fakeSink) LoadPrices(_ context.Context, run event.IngestionRun, points []event.PricePoint) (int64, error) {
	if f.loaded == nil {
		f.loaded = make(map[string][]event.PricePoint)
	}
	for _, p := range points {
		if !p.RunStartedAt.Equal(run.StartedAt) {
			return 0, errors.New("point not stamped with run start")
		}
		f.loaded[p.AssetID] = append(f.loaded[p.AssetID], p)
	}
	return int64(len(points)), nil
}

func (f *fakeSink) LogRun(_ context.Context, run event.IngestionRun) error {
	f.runs = append(f.runs, run)
	return f.logErr
}

type fakePublisher struct{ runs []event.IngestionRun }

func (f *fakePublisher) PublishRun(_ context.Context, run event.IngestionRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func hourlySamples(start time.Time, hours int, price int64) []ingestion.PriceSample {
	out := make([]ingestion.PriceSample, hours)
	for i := range out {
		at := start.Add(time.Duration(i)*time.Hour + 3*time.Minute)
		out[i] = ingestion.PriceSample{decimal.NewFromInt(at.UnixMilli()), decimal.NewFromInt(price)}
	}
	return out
}

func newPipeline(src ingestion.PriceSource, sink ingestion.PriceSink, pub ingestion.RunPublisher) (*ingestion.Pipeline, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	now := time.Date(2024, 1, 8, 0, 5, 0, 123456789, time.UTC)
	p := ingestion.NewPipeline(ingestion.PipelineConfig{TopN: 2, Days: 7}, src, sink, pub, zerolog.Nop(), metrics).
		WithClock(func() time.Time { return now })
	return p, metrics
}

func TestPipeline_SuccessfulRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		coins: []string{"bitcoin", "ethereum", "tether"},
		charts: map[string][]ingestion.PriceSample{
			"bitcoin":  hourlySamples(start, 24, 40000),
			"ethereum": hourlySamples(start, 12, 2000),
		},
	}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	p, metrics := newPipeline(src, sink, pub)

	run, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, event.RunStatusSuccess, run.Status)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, 0, run.StartedAt.Nanosecond()%1000, "run start is truncated to microseconds")
	assert.Equal(t, []string{"bitcoin", "ethereum"}, run.Assets)
	assert.Equal(t, 36, run.RowsLoaded)
	assert.Len(t, sink.loaded["bitcoin"], 24)
	assert.NotContains(t, sink.loaded, "tether")

	require.Len(t, sink.runs, 1)
	assert.True(t, sink.runs[0].Succeeded())
	require.Len(t, pub.runs, 1)
	assert.Equal(t, run.RunID, pub.runs[0].RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestRuns.WithLabelValues("success")))
	assert.Equal(t, 24.0, testutil.ToFloat64(metrics.IngestRowsLoaded.WithLabelValues("bitcoin")))
}

func TestPipeline_FailureIsLoggedAsError(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		coins:    []string{"bitcoin", "ethereum"},
		charts:   map[string][]ingestion.PriceSample{"bitcoin": hourlySamples(start, 3, 1)},
		chartErr: map[string]error{"ethereum": errors.New("boom")},
	}
	sink := &fakeSink{}
	pub := &fakePublisher{}
	p, metrics := newPipeline(src, sink, pub)

	run, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ethereum")

	assert.Equal(t, event.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "boom")
	require.Len(t, sink.runs, 1)
	assert.False(t, sink.runs[0].Succeeded())
	require.Len(t, pub.runs, 1)
	assert.Equal(t, event.RunStatusError, pub.runs[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IngestRuns.WithLabelValues("error")))
}

func TestPipeline_EmptyRankingFails(t *testing.T) {
	sink := &fakeSink{}
	p, _ := newPipeline(&fakeSource{}, sink, nil)

	run, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, event.RunStatusError, run.Status)
	require.Len(t, sink.runs, 1)
}

func TestPipeline_RunLogFailureSurfaces(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		coins:  []string{"bitcoin"},
		charts: map[string][]ingestion.PriceSample{"bitcoin": hourlySamples(start, 2, 1)},
	}
	sink := &fakeSink{logErr: errors.New("db down")}
	p, _ := newPipeline(src, sink, nil)

	run, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, event.RunStatusError, run.Status)
}

func TestRunSubject(t *testing.T) {
	assert.Equal(t, "pnl.prices.ingested.success", ingestion.RunSubject(event.RunStatusSuccess))
	assert.Equal(t, "pnl.prices.ingested.error", ingestion.RunSubject(event.RunStatusError))
}
