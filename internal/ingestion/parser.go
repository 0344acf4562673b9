package ingestion

import (
	"WalletPnL/internal/event"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceRecord is one row of the balance-history query result. Balance
// accepts both JSON numbers and numeric strings. Other columns the query
// returns are ignored.
type BalanceRecord struct {
	TokenID        string              `json:"token_id"`
	BlockTimestamp string              `json:"block_timestamp"`
	Balance        decimal.NullDecimal `json:"balance"`
}

// Block timestamps come back without a zone; they are UTC.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a block timestamp in any of the layouts the query
// API has been observed to return.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseBalanceRecords converts query rows into balance events, keeping the
// input order. Rows without a token, timestamp or balance are counted in
// skipped and dropped.
func ParseBalanceRecords(records []BalanceRecord) (events []event.BalanceEvent, skipped int) {
	events = make([]event.BalanceEvent, 0, len(records))
	for _, r := range records {
		if r.TokenID == "" || !r.Balance.Valid {
			skipped++
			continue
		}
		ts, err := ParseTimestamp(r.BlockTimestamp)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, event.BalanceEvent{
			AssetID:   r.TokenID,
			Timestamp: ts,
			Balance:   r.Balance.Decimal,
		})
	}
	return events, skipped
}

// PriceSample is one [unix_ms, price] pair from a market chart.
type PriceSample [2]decimal.Decimal

func (s PriceSample) Time() time.Time {
	return time.UnixMilli(s[0].IntPart()).UTC()
}

func (s PriceSample) Price() decimal.Decimal { return s[1] }

// BucketHourly floors every sample to its hour and keeps the latest sample
// of each hour. The result is sorted by hour and stamped with runStart.
func BucketHourly(assetID string, samples []PriceSample, runStart time.Time) []event.PricePoint {
	type latest struct {
		at    time.Time
		price decimal.Decimal
	}
	buckets := make(map[int64]latest, len(samples))
	for _, s := range samples {
		at := s.Time()
		key := event.HourKey(at)
		if cur, ok := buckets[key]; ok && cur.at.After(at) {
			continue
		}
		buckets[key] = latest{at: at, price: s.Price()}
	}

	points := make([]event.PricePoint, 0, len(buckets))
	for key, b := range buckets {
		points = append(points, event.PricePoint{
			AssetID:      assetID,
			Hour:         time.Unix(key, 0).UTC(),
			Price:        b.price,
			RunStartedAt: runStart,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Hour.Before(points[j].Hour) })
	return points
}
