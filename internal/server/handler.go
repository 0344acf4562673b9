package server

import (
	"WalletPnL/internal/core"
	"WalletPnL/internal/observability"
	"WalletPnL/internal/query"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	msgSuccess         = "Success"
	msgMissingWallet   = "Missing required query parameter: wallet_address"
	msgInvalidWallet   = "Invalid or unsupported wallet address"
	msgInternalFailure = "Internal server error"
)

// PnLComputer is implemented by core.Engine.
type PnLComputer interface {
	ComputeWalletPnL(ctx context.Context, wallet string) (core.Result, error)
}

type pnlHandler struct {
	computer PnLComputer
	metrics  *observability.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
}

// handleGetPnL serves GET /get-pnl?wallet_address=<addr>.
func (h *pnlHandler) handleGetPnL(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	start := time.Now()
	log := requestLogger(r.Context(), h.logger)

	wallet := strings.TrimSpace(r.URL.Query().Get("wallet_address"))
	if wallet == "" {
		h.finish("missing_wallet", start)
		writeJSON(w, http.StatusUnprocessableEntity, query.PnLResponse{Message: msgMissingWallet})
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.computer.ComputeWalletPnL(ctx, wallet)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrInvalidWallet):
		log.Info().Str("wallet", wallet).Msg("unknown wallet")
		h.finish("invalid_wallet", start)
		writeJSON(w, http.StatusBadRequest, query.PnLResponse{Message: msgInvalidWallet})
		return
	default:
		log.Error().Err(err).Str("wallet", wallet).Msg("pnl computation failed")
		h.finish("error", start)
		writeJSON(w, http.StatusInternalServerError, query.PnLResponse{Message: msgInternalFailure})
		return
	}

	data := make(map[string][]query.RowResponse, len(result))
	for asset, rows := range result {
		data[asset] = query.NewRowResponses(rows)
	}
	h.finish("ok", start)
	writeJSON(w, http.StatusOK, query.PnLResponse{Data: data, Message: msgSuccess})
}

func (h *pnlHandler) finish(outcome string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.PnLRequests.WithLabelValues(outcome).Inc()
	h.metrics.PnLRequestDuration.Observe(time.Since(start).Seconds())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
