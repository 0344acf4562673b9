package query_test

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/query"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	calls atomic.Int32
	price atomic.Int64
	err   error
	delay time.Duration
}

func (r *countingReader) HourlyPrices(_ context.Context, _ string) (event.PriceSeries, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}
	s := make(event.PriceSeries)
	s.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(r.price.Load()))
	return s, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func priceAt(t *testing.T, s event.PriceSeries) string {
	t.Helper()
	p, ok := s.Lookup(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	return p.String()
}

func TestPriceCache_HitWithinTTL(t *testing.T) {
	reader := &countingReader{}
	reader.price.Store(10)
	clock := &fakeClock{now: time.Unix(0, 0)}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := query.NewPriceCache(reader, time.Minute, metrics).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		s, err := cache.HourlyPrices(context.Background(), "bitcoin")
		require.NoError(t, err)
		assert.Equal(t, "10", priceAt(t, s))
	}
	assert.Equal(t, int32(1), reader.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PriceCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PriceCacheMisses))
}

func TestPriceCache_ExpiresAfterTTL(t *testing.T) {
	reader := &countingReader{}
	reader.price.Store(10)
	clock := &fakeClock{now: time.Unix(0, 0)}
	cache := query.NewPriceCache(reader, time.Minute, nil).WithClock(clock.Now)

	_, err := cache.HourlyPrices(context.Background(), "bitcoin")
	require.NoError(t, err)

	reader.price.Store(11)
	clock.Advance(time.Minute)
	s, err := cache.HourlyPrices(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "11", priceAt(t, s))
	assert.Equal(t, int32(2), reader.calls.Load())
}

func TestPriceCache_Invalidate(t *testing.T) {
	reader := &countingReader{}
	reader.price.Store(10)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := query.NewPriceCache(reader, time.Hour, metrics)

	_, err := cache.HourlyPrices(context.Background(), "bitcoin")
	require.NoError(t, err)
	_, err = cache.HourlyPrices(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	cache.Invalidate()
	assert.Zero(t, cache.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PriceCacheResets))

	reader.price.Store(12)
	s, err := cache.HourlyPrices(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, "12", priceAt(t, s))
}

func TestPriceCache_ErrorsAreNotCached(t *testing.T) {
	reader := &countingReader{err: errors.New("db down")}
	cache := query.NewPriceCache(reader, time.Hour, nil)

	_, err := cache.HourlyPrices(context.Background(), "bitcoin")
	require.Error(t, err)
	_, err = cache.HourlyPrices(context.Background(), "bitcoin")
	require.Error(t, err)
	assert.Equal(t, int32(2), reader.calls.Load())
	assert.Zero(t, cache.Len())
}

func TestPriceCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	reader := &countingReader{delay: 50 * time.Millisecond}
	reader.price.Store(10)
	cache := query.NewPriceCache(reader, time.Hour, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.HourlyPrices(context.Background(), "bitcoin")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, reader.calls.Load(), int32(2))
}

// gatedReader blocks each load until release is closed or its context ends.
type gatedReader struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (r *gatedReader) HourlyPrices(ctx context.Context, _ string) (event.PriceSeries, error) {
	if r.calls.Add(1) == 1 {
		close(r.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.release:
	}
	s := make(event.PriceSeries)
	s.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(7))
	return s, nil
}

func TestPriceCache_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	reader := &gatedReader{started: make(chan struct{}), release: make(chan struct{})}
	cache := query.NewPriceCache(reader, time.Hour, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.HourlyPrices(firstCtx, "bitcoin")
		firstErr <- err
	}()
	<-reader.started

	type result struct {
		series event.PriceSeries
		err    error
	}
	second := make(chan result, 1)
	go func() {
		s, err := cache.HourlyPrices(context.Background(), "bitcoin")
		second <- result{s, err}
	}()

	// let the second caller join the in-flight load
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(reader.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "7", priceAt(t, res.series))
	case <-time.After(time.Second):
		t.Fatal("joined caller did not return")
	}
	assert.Equal(t, int32(1), reader.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestPriceCache_ZeroTTLPassesThrough(t *testing.T) {
	reader := &countingReader{}
	cache := query.NewPriceCache(reader, 0, nil)

	for i := 0; i < 3; i++ {
		_, err := cache.HourlyPrices(context.Background(), "bitcoin")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), reader.calls.Load())
	assert.Zero(t, cache.Len())
}
