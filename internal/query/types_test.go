package query_test

import (
	"WalletPnL/internal/projection"
	"WalletPnL/internal/query"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowResponse_WireShape(t *testing.T) {
	rows := []projection.Row{{
		Hour:     time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		Balance:  decimal.NewNullDecimal(decimal.RequireFromString("25")),
		Price:    decimal.NewNullDecimal(decimal.RequireFromString("3.5")),
		USDValue: decimal.NewNullDecimal(decimal.RequireFromString("87.5")),
		PnL:      decimal.NewNullDecimal(decimal.RequireFromString("-12.25")),
	}, {
		Hour:    time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC),
		Balance: decimal.NewNullDecimal(decimal.RequireFromString("25")),
	}}

	b, err := json.Marshal(query.NewRowResponses(rows))
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"hourly_ts":"Mon, 01 Jan 2024 02:00:00 GMT","balance_actual":25,"price":3.5,"usd_value":87.5,"PnL":-12.25},
		{"hourly_ts":"Mon, 01 Jan 2024 03:00:00 GMT","balance_actual":25,"price":null,"usd_value":null,"PnL":null}
	]`, string(b))
}

func TestRowResponse_DecodesBack(t *testing.T) {
	payload := `{"data":{"bitcoin":[{"hourly_ts":"Mon, 01 Jan 2024 02:00:00 GMT","balance_actual":1.5,"price":null,"usd_value":null,"PnL":null}]},"message":"Success"}`

	var resp query.PnLResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))
	require.Len(t, resp.Data["bitcoin"], 1)

	row := resp.Data["bitcoin"][0]
	hour, err := row.Hour()
	require.NoError(t, err)
	assert.True(t, hour.Equal(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)))
	assert.True(t, row.BalanceActual.Valid)
	assert.Equal(t, "1.5", row.BalanceActual.Decimal.String())
	assert.False(t, row.Price.Valid)
	assert.Equal(t, "Success", resp.Message)
}

func TestSortedAssets(t *testing.T) {
	data := map[string][]query.RowResponse{"tether": nil, "bitcoin": nil, "ethereum": nil}
	assert.Equal(t, []string{"bitcoin", "ethereum", "tether"}, query.SortedAssets(data))
}
