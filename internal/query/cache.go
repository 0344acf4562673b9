package query

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/observability"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a shared load, which no single caller's context
// governs.
const loadTimeout = 30 * time.Second

// PriceReader is satisfied by PriceService.
type PriceReader interface {
	HourlyPrices(ctx context.Context, assetID string) (event.PriceSeries, error)
}

type cacheEntry struct {
	series  event.PriceSeries
	expires time.Time
}

// PriceCache memoizes per-asset series for a TTL. Concurrent misses for
// the same asset share one load. Returned series are shared and must not
// be modified.
type PriceCache struct {
	next    PriceReader
	ttl     time.Duration
	metrics *observability.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	entries    map[string]cacheEntry
	generation uint64

	loads singleflight.Group
}

func NewPriceCache(next PriceReader, ttl time.Duration, metrics *observability.Metrics) *PriceCache {
	return &PriceCache{
		next:    next,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// WithClock overrides the expiry clock.
func (c *PriceCache) WithClock(now func() time.Time) *PriceCache {
	c.now = now
	return c
}

func (c *PriceCache) HourlyPrices(ctx context.Context, assetID string) (event.PriceSeries, error) {
	if c.ttl <= 0 {
		return c.next.HourlyPrices(ctx, assetID)
	}

	c.mu.RLock()
	entry, ok := c.entries[assetID]
	gen := c.generation
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expires) {
		if c.metrics != nil {
			c.metrics.PriceCacheHits.Inc()
		}
		return entry.series, nil
	}
	if c.metrics != nil {
		c.metrics.PriceCacheMisses.Inc()
	}

	// The load outlives the caller that started it so that joined callers
	// are not failed by someone else's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(assetID, func() (any, error) {
		lctx, cancel := context.WithTimeout(loadCtx, loadTimeout)
		defer cancel()

		series, err := c.next.HourlyPrices(lctx, assetID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A run landed while loading; the result may predate it.
		if c.generation == gen {
			c.entries[assetID] = cacheEntry{series: series, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return series, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(event.PriceSeries), nil
	}
}

// Invalidate drops every entry. Called when a new ingestion run succeeds.
func (c *PriceCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.generation++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.PriceCacheResets.Inc()
	}
}

// Len returns the number of cached assets, expired or not.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
