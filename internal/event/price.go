package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is the USD price of one asset at one hour boundary, as loaded
// by the ingestion run that started at RunStartedAt.
type PricePoint struct {
	AssetID      string
	Hour         time.Time
	Price        decimal.Decimal
	RunStartedAt time.Time
}

// PriceSeries maps an hour boundary to the asset's price at that hour.
// Keys are unix seconds of the UTC hour so lookups ignore location and
// monotonic clock readings.
type PriceSeries map[int64]decimal.Decimal

// NewPriceSeries builds a series from points of a single run. A later point
// for the same hour replaces an earlier one.
func NewPriceSeries(points []PricePoint) PriceSeries {
	s := make(PriceSeries, len(points))
	for _, p := range points {
		s.Set(p.Hour, p.Price)
	}
	return s
}

// Set stores price for the hour containing t.
func (s PriceSeries) Set(t time.Time, price decimal.Decimal) {
	s[HourKey(t)] = price
}

// Lookup returns the price at hour t, if any.
func (s PriceSeries) Lookup(t time.Time) (decimal.Decimal, bool) {
	p, ok := s[HourKey(t)]
	return p, ok
}

// HourKey normalizes t to the unix seconds of its UTC hour.
func HourKey(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}
