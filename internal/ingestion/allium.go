package ingestion

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/retry"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrQueryTimeout is returned when an analytics query does not reach a
// terminal status within the poll timeout.
var ErrQueryTimeout = errors.New("query did not finish before poll timeout")

// ErrQueryFailed is returned when an analytics query reaches a terminal
// status other than success.
var ErrQueryFailed = errors.New("query finished unsuccessfully")

const (
	queryStatusCreated = "created"
	queryStatusQueued  = "queued"
	queryStatusRunning = "running"
	queryStatusSuccess = "success"
)

type AlliumConfig struct {
	BaseURL      string
	APIKey       string
	QueryID      string
	Limit        int
	PollInterval time.Duration
	PollTimeout  time.Duration
	// LogEvery logs the pending status once every N polls.
	LogEvery int
	// RatePerSecond of zero disables client-side limiting.
	RatePerSecond float64
}

// AlliumClient runs the saved balance-history query for a wallet on the
// Allium explorer API. It implements core.BalanceEventProvider.
type AlliumClient struct {
	cfg     AlliumConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewAlliumClient(cfg AlliumConfig, logger zerolog.Logger, metrics *observability.Metrics) *AlliumClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Minute
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &AlliumClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(limit, 5),
		logger:  logger.With().Str("provider", "allium").Logger(),
		metrics: metrics,
	}
}

type runQueryRequest struct {
	Parameters map[string]string `json:"parameters"`
	RunConfig  runConfig         `json:"run_config"`
}

type runConfig struct {
	Limit int `json:"limit"`
}

type runQueryResponse struct {
	RunID string `json:"run_id"`
}

type queryResultsResponse struct {
	Data []BalanceRecord `json:"data"`
}

// FetchBalanceEvents submits the query, waits for it to finish and returns
// the parsed balance events. Unparseable records are skipped.
func (c *AlliumClient) FetchBalanceEvents(ctx context.Context, wallet string) ([]event.BalanceEvent, error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ProviderDuration.WithLabelValues("allium").Observe(time.Since(start).Seconds())
		}
	}()

	runID, err := c.submit(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if err := c.waitForCompletion(ctx, runID); err != nil {
		return nil, err
	}

	var results queryResultsResponse
	path := fmt.Sprintf("/api/v1/explorer/query-runs/%s/results?f=json", url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, path, nil, &results); err != nil {
		return nil, errors.Wrapf(err, "fetch results for run %s", runID)
	}

	events, skipped := ParseBalanceRecords(results.Data)
	if skipped > 0 {
		c.logger.Warn().
			Str("run_id", runID).
			Int("skipped", skipped).
			Int("records", len(results.Data)).
			Msg("skipped malformed balance records")
	}
	c.logger.Debug().
		Str("run_id", runID).
		Int("events", len(events)).
		Dur("elapsed", time.Since(start)).
		Msg("balance events fetched")
	return events, nil
}

func (c *AlliumClient) submit(ctx context.Context, wallet string) (string, error) {
	body := runQueryRequest{
		Parameters: map[string]string{"address": wallet},
		RunConfig:  runConfig{Limit: c.cfg.Limit},
	}
	var resp runQueryResponse
	path := fmt.Sprintf("/api/v1/explorer/queries/%s/run-async", url.PathEscape(c.cfg.QueryID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", errors.Wrap(err, "submit balance query")
	}
	if resp.RunID == "" {
		return "", errors.New("submit balance query: empty run_id")
	}
	return resp.RunID, nil
}

func (c *AlliumClient) waitForCompletion(ctx context.Context, runID string) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	timedOut := func() error {
		return retry.Permanent(errors.Wrapf(ErrQueryTimeout, "run %s after %s", runID, c.cfg.PollTimeout))
	}

	path := fmt.Sprintf("/api/v1/explorer/query-runs/%s/status", url.PathEscape(runID))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		var status string
		if err := c.do(pollCtx, http.MethodGet, path, nil, &status); err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return timedOut()
			}
			return errors.Wrapf(err, "poll status for run %s", runID)
		}

		switch status {
		case queryStatusCreated, queryStatusQueued, queryStatusRunning:
			if polls%c.cfg.LogEvery == 0 {
				c.logger.Info().Str("run_id", runID).Str("status", status).Int("polls", polls).Msg("waiting for query")
			}
		case queryStatusSuccess:
			c.logger.Debug().Str("run_id", runID).Int("polls", polls).Msg("query finished")
			return nil
		default:
			return errors.Wrapf(ErrQueryFailed, "run %s status %q", runID, status)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return timedOut()
		case <-ticker.C:
		}
	}
}

// do performs one rate-limited request. 4xx responses other than 429 are
// marked permanent so callers do not retry them.
func (c *AlliumClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(errors.Wrap(err, "marshal body"))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return retry.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
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

// HTTPStatusError carries a non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(statusErr)
	}
	return statusErr
}
