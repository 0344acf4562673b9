package ingestion

import (
	"WalletPnL/internal/observability"
	"WalletPnL/internal/retry"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the price API keeps answering 429 after
// every backoff attempt.
var ErrRateLimited = errors.New("price api rate limit exceeded")

type CoinGeckoConfig struct {
	BaseURL    string
	APIKey     string
	VsCurrency string
	// RatePerSecond bounds outgoing requests.
	RatePerSecond float64
	// RateLimitDelay is the first wait after a 429; it doubles per attempt.
	RateLimitDelay time.Duration
	MaxRetries     int
}

// CoinGeckoClient reads market rankings and hourly price charts.
type CoinGeckoClient struct {
	cfg     CoinGeckoConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewCoinGeckoClient(cfg CoinGeckoConfig, logger zerolog.Logger, metrics *observability.Metrics) *CoinGeckoClient {
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &CoinGeckoClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("provider", "coingecko").Logger(),
		metrics: metrics,
	}
}

type marketEntry struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	MarketCapRnk int     `json:"market_cap_rank"`
	CurrentPrice float64 `json:"current_price"`
}

type marketChartResponse struct {
	Prices []PriceSample `json:"prices"`
}

// TopCoins returns the IDs of the n largest coins by market cap.
func (c *CoinGeckoClient) TopCoins(ctx context.Context, n int) ([]string, error) {
	q := url.Values{}
	q.Set("vs_currency", c.cfg.VsCurrency)
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(n))
	q.Set("page", "1")

	var markets []marketEntry
	if err := c.get(ctx, "/coins/markets", q, &markets); err != nil {
		return nil, errors.Wrap(err, "fetch coin markets")
	}
	if len(markets) > n {
		markets = markets[:n]
	}
	ids := make([]string, 0, len(markets))
	for _, m := range markets {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// MarketChart returns the raw price samples of a coin over the last days.
func (c *CoinGeckoClient) MarketChart(ctx context.Context, coinID string, days int) ([]PriceSample, error) {
	q := url.Values{}
	q.Set("vs_currency", c.cfg.VsCurrency)
	q.Set("days", strconv.Itoa(days))

	var chart marketChartResponse
	if err := c.get(ctx, "/coins/"+url.PathEscape(coinID)+"/market_chart", q, &chart); err != nil {
		return nil, errors.Wrapf(err, "fetch market chart for %s", coinID)
	}
	return chart.Prices, nil
}

// get backs off on 429 starting at RateLimitDelay and doubling, up to
// MaxRetries times. Other non-2xx responses fail immediately.
func (c *CoinGeckoClient) get(ctx context.Context, path string, query url.Values, out any) error {
	delay := c.cfg.RateLimitDelay
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}

		err := c.getOnce(ctx, path, query, out)
		var statusErr *HTTPStatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
			return err
		}

		if c.metrics != nil {
			c.metrics.IngestRateLimits.Inc()
		}
		if attempt >= c.cfg.MaxRetries {
			return errors.Wrapf(ErrRateLimited, "%s after %d retries", path, attempt)
		}
		c.logger.Warn().Str("path", path).Int("attempt", attempt+1).Dur("delay", delay).Msg("rate limited, backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *CoinGeckoClient) getOnce(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(errors.Wrapf(err, "decode %s", path))
	}
	return nil
}
