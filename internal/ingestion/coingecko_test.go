package ingestion_test

import (
	"WalletPnL/internal/ingestion"
	"WalletPnL/internal/observability"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGecko(t *testing.T, h http.Handler, maxRetries int) (*ingestion.CoinGeckoClient, *observability.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	c := ingestion.NewCoinGeckoClient(ingestion.CoinGeckoConfig{
		BaseURL:        srv.URL,
		APIKey:         "cg-key",
		RateLimitDelay: time.Millisecond,
		MaxRetries:     maxRetries,
	}, zerolog.Nop(), metrics)
	return c, metrics
}

func TestCoinGecko_TopCoins(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "market_cap_desc", r.URL.Query().Get("order"))
		assert.Equal(t, "cg-key", r.Header.Get("x-cg-api-key"))
		_, _ = w.Write([]byte(`[{"id":"bitcoin"},{"id":"ethereum"},{"id":"tether"}]`))
	})
	c, _ := newGecko(t, h, 3)

	ids, err := c.TopCoins(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, ids)
}

func TestCoinGecko_MarketChart(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("days"))
		_, _ = w.Write([]byte(`{"prices":[[1704067200000,42000.5],[1704070800000,42100.25]],"market_caps":[]}`))
	})
	c, _ := newGecko(t, h, 3)

	samples, err := c.MarketChart(context.Background(), "bitcoin", 7)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.True(t, samples[0].Time().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "42000.5", samples[0].Price().String())
	assert.Equal(t, "42100.25", samples[1].Price().String())
}

func TestCoinGecko_BacksOffOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"bitcoin"}]`))
	})
	c, metrics := newGecko(t, h, 3)

	ids, err := c.TopCoins(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin"}, ids)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.IngestRateLimits))
}

func TestCoinGecko_RateLimitRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, _ := newGecko(t, h, 2)

	_, err := c.TopCoins(context.Background(), 10)
	require.ErrorIs(t, err, ingestion.ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCoinGecko_ClientErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "coin not found", http.StatusNotFound)
	})
	c, _ := newGecko(t, h, 3)

	_, err := c.MarketChart(context.Background(), "nope", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}
