package projection

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/ledger"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingBaseline is returned when the baseline hour has no USD value,
// so no PnL can be derived for the asset.
var ErrMissingBaseline = errors.New("missing baseline valuation")

// Row is the valuation of one asset at one grid hour. Invalid fields are
// missing values, never zero.
type Row struct {
	Hour     time.Time
	Balance  decimal.NullDecimal
	Price    decimal.NullDecimal
	USDValue decimal.NullDecimal
	PnL      decimal.NullDecimal
}

// Value joins reconciled balances with the asset's hourly prices.
//
// USDValue is Balance*Price when both are known. PnL is measured against
// the first row with a known balance; that row's PnL is zero.
func Value(rows []ledger.Row, prices event.PriceSeries) ([]Row, error) {
	baseline := ledger.UnknownLeading(rows)
	if baseline == len(rows) {
		return nil, fmt.Errorf("value: %w: no hour has a known balance", ledger.ErrReconciliationGap)
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row{Hour: r.Hour, Balance: r.Balance}
		if p, ok := prices.Lookup(r.Hour); ok {
			out[i].Price = decimal.NewNullDecimal(p)
			if r.Balance.Valid {
				out[i].USDValue = decimal.NewNullDecimal(r.Balance.Decimal.Mul(p))
			}
		}
	}

	base := out[baseline].USDValue
	if !base.Valid {
		return nil, fmt.Errorf("value: %w at %s", ErrMissingBaseline, out[baseline].Hour.Format(time.RFC3339))
	}

	for i := baseline; i < len(out); i++ {
		if out[i].USDValue.Valid {
			out[i].PnL = decimal.NewNullDecimal(out[i].USDValue.Decimal.Sub(base.Decimal))
		}
	}

	return out, nil
}

// Summary condenses a valuation series for logs and terminal output.
type Summary struct {
	From, To     time.Time
	StartValue   decimal.Decimal
	EndValue     decimal.NullDecimal
	PnL          decimal.NullDecimal
	MissingHours int
}

// Summarize reports the first-to-last movement of a valued series.
func Summarize(rows []Row) Summary {
	var s Summary
	if len(rows) == 0 {
		return s
	}
	s.From, s.To = rows[0].Hour, rows[len(rows)-1].Hour

	for _, r := range rows {
		if !r.USDValue.Valid {
			s.MissingHours++
			continue
		}
		if !s.EndValue.Valid {
			s.StartValue = r.USDValue.Decimal
		}
		s.EndValue = r.USDValue
		s.PnL = r.PnL
	}
	return s
}
