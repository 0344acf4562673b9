package core

import (
	"WalletPnL/internal/ledger"
	"WalletPnL/internal/projection"
	"context"
	"errors"
)

var (
	// ErrInvalidWallet means the balance provider returned no events for the
	// address. It is reported to the caller and never retried.
	ErrInvalidWallet = errors.New("invalid or unsupported wallet address")

	ErrReconciliationGap  = ledger.ErrReconciliationGap
	ErrMissingPriceSeries = errors.New("missing price series")
	ErrMissingBaseline    = projection.ErrMissingBaseline

	// ErrTransientProvider wraps a provider failure that survived retries.
	ErrTransientProvider = errors.New("provider unavailable")
)

// failureReason maps a per-asset error to a metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrReconciliationGap):
		return "reconciliation_gap"
	case errors.Is(err, ErrMissingPriceSeries):
		return "missing_price_series"
	case errors.Is(err, ErrMissingBaseline):
		return "missing_baseline"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrTransientProvider):
		return "provider"
	case errors.Is(err, errAssetPanic):
		return "panic"
	default:
		return "other"
	}
}
