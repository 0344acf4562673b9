package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the PnL service and the price
// ingestion job.
type Metrics struct {
	// --- PnL API ---
	PnLRequests        *prometheus.CounterVec
	PnLRequestDuration prometheus.Histogram
	AssetsComputed     prometheus.Counter
	AssetFailures      *prometheus.CounterVec
	AssetDuration      prometheus.Histogram

	// --- Providers ---
	ProviderRetries  *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	PriceCacheHits   prometheus.Counter
	PriceCacheMisses prometheus.Counter
	PriceCacheResets prometheus.Counter

	// --- Price ingestion ---
	IngestRuns       *prometheus.CounterVec
	IngestRowsLoaded *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	IngestRateLimits prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	requestBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		PnLRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnl_requests_total",
			Help: "PnL requests by outcome (ok, missing_wallet, invalid_wallet, error)",
		}, []string{"outcome"}),

		PnLRequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pnl_request_duration_seconds",
			Help:    "Wall time of a PnL computation including provider calls",
			Buckets: requestBuckets,
		}),

		AssetsComputed: f.NewCounter(prometheus.CounterOpts{
			Name: "pnl_assets_computed_total",
			Help: "Assets that produced a valuation series",
		}),

		AssetFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnl_asset_failures_total",
			Help: "Assets omitted from a result, by reason",
		}, []string{"reason"}),

		AssetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pnl_asset_duration_seconds",
			Help:    "Time to price, reconcile and value one asset",
			Buckets: prometheus.DefBuckets,
		}),

		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnl_provider_retries_total",
			Help: "Retries at external boundaries",
		}, []string{"provider"}),

		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pnl_provider_duration_seconds",
			Help:    "Latency of external provider calls including retries",
			Buckets: requestBuckets,
		}, []string{"provider"}),

		PriceCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "pnl_price_cache_hits_total",
			Help: "Price series served from cache",
		}),

		PriceCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "pnl_price_cache_misses_total",
			Help: "Price series loaded from Postgres",
		}),

		PriceCacheResets: f.NewCounter(prometheus.CounterOpts{
			Name: "pnl_price_cache_resets_total",
			Help: "Cache invalidations triggered by ingestion run notifications",
		}),

		IngestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnl_ingest_runs_total",
			Help: "Price ingestion runs by status",
		}, []string{"status"}),

		IngestRowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pnl_ingest_rows_loaded_total",
			Help: "Hourly price rows loaded, by asset",
		}, []string{"asset"}),

		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pnl_ingest_duration_seconds",
			Help:    "Wall time of one ingestion run",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}),

		IngestRateLimits: f.NewCounter(prometheus.CounterOpts{
			Name: "pnl_ingest_rate_limited_total",
			Help: "HTTP 429 responses from the price API",
		}),
	}
}
