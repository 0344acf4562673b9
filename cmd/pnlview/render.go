package main

import (
	"WalletPnL/internal/query"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

const missing = "-"

// APIError is a non-200 reply from /get-pnl.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("get-pnl: %d %s", e.StatusCode, e.Message)
}

// fetchPnL calls /get-pnl for wallet and decodes the envelope.
func fetchPnL(client *http.Client, baseURL, wallet string) (query.PnLResponse, error) {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/get-pnl", nil)
	if err != nil {
		return query.PnLResponse{}, errors.Wrap(err, "build request")
	}
	q := req.URL.Query()
	q.Set("wallet_address", wallet)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return query.PnLResponse{}, errors.Wrap(err, "get-pnl")
	}
	defer resp.Body.Close()

	var out query.PnLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return query.PnLResponse{}, errors.Wrapf(err, "decode get-pnl reply (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return out, &APIError{StatusCode: resp.StatusCode, Message: out.Message}
	}
	return out, nil
}

type styles struct {
	asset, gain, loss lipgloss.Style
}

// newStyles picks colors for w; writers that are not terminals get plain
// text.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		asset: r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		gain:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}),
		loss:  r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// render prints one table per asset, assets in lexical order and rows in
// hour order. Missing values print as "-".
func render(w io.Writer, resp query.PnLResponse) error {
	st := newStyles(w)
	if len(resp.Data) == 0 {
		fmt.Fprintln(w, "no priced assets for this wallet")
		return nil
	}

	for _, asset := range query.SortedAssets(resp.Data) {
		rows, err := sortedRows(resp.Data[asset])
		if err != nil {
			return errors.Wrapf(err, "asset %s", asset)
		}

		fmt.Fprintf(w, "\n%s\n", st.asset.Render(asset))
		table := tablewriter.NewWriter(w)
		table.Header("Hour (UTC)", "Balance", "Price", "USD value", "PnL")
		for _, r := range rows {
			table.Append(
				r.hour.Format(time.DateTime),
				cell(r.BalanceActual),
				cell(r.Price),
				cell(r.USDValue),
				cell(r.PnL),
			)
		}
		if err := table.Render(); err != nil {
			return errors.Wrapf(err, "render %s", asset)
		}
		fmt.Fprintf(w, "final PnL: %s\n", st.pnl(finalPnL(rows)))
	}
	return nil
}

type timedRow struct {
	query.RowResponse
	hour time.Time
}

func sortedRows(in []query.RowResponse) ([]timedRow, error) {
	out := make([]timedRow, 0, len(in))
	for _, r := range in {
		h, err := r.Hour()
		if err != nil {
			return nil, errors.Wrapf(err, "parse hourly_ts %q", r.HourlyTS)
		}
		out = append(out, timedRow{RowResponse: r, hour: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].hour.Before(out[j].hour) })
	return out, nil
}

// finalPnL is the PnL of the last row that has one.
func finalPnL(rows []timedRow) query.Number {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].PnL.Valid {
			return rows[i].PnL
		}
	}
	return query.Number{}
}

func (st styles) pnl(n query.Number) string {
	if !n.Valid {
		return missing
	}
	s := n.Decimal.StringFixed(2)
	switch n.Decimal.Sign() {
	case 1:
		return st.gain.Render(s)
	case -1:
		return st.loss.Render(s)
	default:
		return s
	}
}

func cell(n query.Number) string {
	if !n.Valid {
		return missing
	}
	return n.Decimal.String()
}
