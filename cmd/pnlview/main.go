// Command pnlview prints a wallet's hourly PnL as tables, one per asset.
package main

import (
	"WalletPnL/internal/observability"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func main() {
	wallet := flag.String("wallet", "", "wallet address to report on (required)")
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the walletpnl HTTP API")
	timeout := flag.Duration("timeout", 30*time.Minute, "overall request timeout")
	verbose := flag.Bool("verbose", false, "log request details to stderr")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := observability.NewLoggerTo(os.Stderr, "pnlview", level)

	if strings.TrimSpace(*wallet) == "" {
		fmt.Fprintln(os.Stderr, "usage: pnlview -wallet <address> [-url http://host:8080]")
		os.Exit(2)
	}

	start := time.Now()
	client := &http.Client{Timeout: *timeout}
	resp, err := fetchPnL(client, strings.TrimRight(*baseURL, "/"), *wallet)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			fmt.Fprintln(os.Stderr, apiErr.Message)
			os.Exit(1)
		}
		logger.Error().Err(err).Str("wallet", *wallet).Msg("request failed")
		os.Exit(1)
	}
	logger.Debug().Int("assets", len(resp.Data)).Dur("elapsed", time.Since(start)).Msg("pnl fetched")

	if err := render(os.Stdout, resp); err != nil {
		logger.Error().Err(err).Msg("render failed")
		os.Exit(1)
	}
}
