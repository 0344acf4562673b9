package testutil

import (
	"WalletPnL/internal/event"
	"time"

	"github.com/shopspring/decimal"
)

// FixtureLayout is the minute-precision layout accepted by At.
const FixtureLayout = "2006-01-02T15:04"

// At parses a UTC fixture time such as "2024-01-01T01:30". It panics on
// malformed input since fixtures are compile-time constants.
func At(s string) time.Time {
	t, err := time.Parse(FixtureLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// BalanceEvent builds a balance event at a fixture time.
func BalanceEvent(asset, at string, balance float64) event.BalanceEvent {
	return event.BalanceEvent{AssetID: asset, Timestamp: At(at), Balance: decimal.NewFromFloat(balance)}
}

// FlatSeries prices every listed hour at price.
func FlatSeries(price float64, hours ...string) event.PriceSeries {
	s := make(event.PriceSeries, len(hours))
	for _, h := range hours {
		s.Set(At(h), decimal.NewFromFloat(price))
	}
	return s
}

// NullStrings renders decimals for comparison, "missing" for invalid ones.
func NullStrings(vals []decimal.NullDecimal) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if !v.Valid {
			out[i] = "missing"
			continue
		}
		out[i] = v.Decimal.String()
	}
	return out
}
