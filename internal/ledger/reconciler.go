package ledger

import (
	"WalletPnL/internal/event"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrReconciliationGap is returned when leading grid hours have no
// determinable balance and the gap policy does not allow reporting them.
var ErrReconciliationGap = errors.New("reconciliation gap")

// GapPolicy decides what happens to grid hours before an asset's first
// balance event when no event precedes the window.
type GapPolicy string

const (
	// GapPolicyReject drops the asset.
	GapPolicyReject GapPolicy = "reject"
	// GapPolicyTruncate reports the asset with unknown leading balances.
	GapPolicyTruncate GapPolicy = "truncate"
)

// ParseGapPolicy accepts "reject", "truncate" or "" (reject).
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(s) {
	case "", GapPolicyReject:
		return GapPolicyReject, nil
	case GapPolicyTruncate:
		return GapPolicyTruncate, nil
	default:
		return "", fmt.Errorf("unknown gap policy %q", s)
	}
}

// Row is the reconciled balance of one asset at one grid hour.
// An invalid Balance means unknown, which is distinct from zero.
type Row struct {
	Hour    time.Time
	Balance decimal.NullDecimal
}

// Reconcile projects one asset's balance events onto the grid.
//
// Row h carries the balance of the latest event at or before h: events at or
// before grid[0] seed the first row, an event inside (h-1h, h] sets row h
// (the chronologically last one wins), and hours without events carry the
// previous row forward. Events after the last grid hour are ignored.
func Reconcile(events []event.BalanceEvent, grid Grid, policy GapPolicy) ([]Row, error) {
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	sorted := event.SortedByTime(events)
	rows := make([]Row, 0, len(grid))

	var balance decimal.NullDecimal
	next := 0
	for _, h := range grid {
		for next < len(sorted) && !sorted[next].Timestamp.After(h) {
			balance = decimal.NewNullDecimal(sorted[next].Balance)
			next++
		}
		rows = append(rows, Row{Hour: h, Balance: balance})
	}

	leading := UnknownLeading(rows)
	switch {
	case leading == len(rows):
		return nil, fmt.Errorf("%w: no balance event at or before %s",
			ErrReconciliationGap, grid.End().Format(time.RFC3339))
	case leading > 0 && policy != GapPolicyTruncate:
		return nil, fmt.Errorf("%w: first %d of %d hours have no balance (first known hour %s)",
			ErrReconciliationGap, leading, len(rows), rows[leading].Hour.Format(time.RFC3339))
	}

	return rows, nil
}

// UnknownLeading counts rows before the first known balance.
func UnknownLeading(rows []Row) int {
	for i, r := range rows {
		if r.Balance.Valid {
			return i
		}
	}
	return len(rows)
}
