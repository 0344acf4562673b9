package query

import (
	"WalletPnL/internal/event"
	"WalletPnL/internal/persistence"
	"WalletPnL/internal/retry"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceService reads hourly prices from the price store. Reads only see
// the most recent run logged as success, so a failed or in-flight run is
// never mixed into a series.
type PriceService struct {
	db *sql.DB
}

func NewPriceService(db *sql.DB) *PriceService {
	return &PriceService{db: db}
}

const latestRunPrices = `
	SELECT ph.hour, ph.price
	FROM src.price_history ph
	WHERE ph.asset = $1
	  AND ph.job_start_ts = (
	      SELECT MAX(job_start_ts) FROM src.elt_log WHERE status = 'success'
	  )
	ORDER BY ph.hour`

// HourlyPrices returns the asset's series from the latest successful run.
// An asset the run did not cover yields an empty series. Non-transient
// database errors are marked permanent for the caller's retry policy.
func (s *PriceService) HourlyPrices(ctx context.Context, assetID string) (event.PriceSeries, error) {
	rows, err := s.db.QueryContext(ctx, latestRunPrices, assetID)
	if err != nil {
		return nil, classify(fmt.Errorf("query prices for %s: %w", assetID, err))
	}
	defer rows.Close()

	series := make(event.PriceSeries)
	for rows.Next() {
		var (
			hour  time.Time
			price decimal.Decimal
		)
		if err := rows.Scan(&hour, &price); err != nil {
			return nil, classify(fmt.Errorf("scan price row: %w", err))
		}
		series.Set(hour, price)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate prices for %s: %w", assetID, err))
	}
	return series, nil
}

// LatestRun returns the newest successful ingestion run, or ok=false when
// none has been logged yet.
func (s *PriceService) LatestRun(ctx context.Context) (run event.IngestionRun, ok bool, err error) {
	var (
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT job_start_ts, run_id, status, error, finished_at, rows_loaded
		FROM src.elt_log
		WHERE status = 'success'
		ORDER BY job_start_ts DESC
		LIMIT 1`,
	).Scan(&run.StartedAt, &run.RunID, &run.Status, &errMsg, &finishedAt, &run.RowsLoaded)
	if errors.Is(err, sql.ErrNoRows) {
		return event.IngestionRun{}, false, nil
	}
	if err != nil {
		return event.IngestionRun{}, false, classify(fmt.Errorf("latest run: %w", err))
	}
	run.StartedAt = run.StartedAt.UTC()
	run.Error = errMsg.String
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time.UTC()
	}
	return run, true, nil
}

func classify(err error) error {
	if persistence.IsTransient(err) {
		return err
	}
	return retry.Permanent(err)
}
