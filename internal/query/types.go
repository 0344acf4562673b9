package query

import (
	"WalletPnL/internal/projection"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Number is a decimal that serializes as a bare JSON number, or null when
// the value is missing.
type Number struct {
	decimal.NullDecimal
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.Decimal.String()), nil
}

// RowResponse is one hour of an asset's PnL series on the wire. HourlyTS
// uses the HTTP date format.
type RowResponse struct {
	HourlyTS      string `json:"hourly_ts"`
	BalanceActual Number `json:"balance_actual"`
	Price         Number `json:"price"`
	USDValue      Number `json:"usd_value"`
	PnL           Number `json:"PnL"`
}

// Hour parses HourlyTS back into a UTC time.
func (r RowResponse) Hour() (time.Time, error) {
	t, err := http.ParseTime(r.HourlyTS)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// PnLResponse is the envelope of every /get-pnl reply. Data is nil on
// failure.
type PnLResponse struct {
	Data    map[string][]RowResponse `json:"data"`
	Message string                   `json:"message"`
}

// NewRowResponses converts a valued series for the wire.
func NewRowResponses(rows []projection.Row) []RowResponse {
	out := make([]RowResponse, len(rows))
	for i, r := range rows {
		out[i] = RowResponse{
			HourlyTS:      r.Hour.UTC().Format(http.TimeFormat),
			BalanceActual: Number{r.Balance},
			Price:         Number{r.Price},
			USDValue:      Number{r.USDValue},
			PnL:           Number{r.PnL},
		}
	}
	return out
}

// SortedAssets returns the asset IDs of data in lexical order.
func SortedAssets(data map[string][]RowResponse) []string {
	assets := make([]string, 0, len(data))
	for a := range data {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}
