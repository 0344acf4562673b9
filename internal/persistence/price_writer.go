package persistence

import (
	"WalletPnL/internal/event"
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PriceWriter loads ingestion output: COPY into stg.price_history, then an
// insert into src.price_history stamped with the run's job_start_ts. Rows
// are keyed per run, so a run never touches another run's rows.
type PriceWriter struct {
	db *sql.DB
}

func NewPriceWriter(db *sql.DB) *PriceWriter {
	return &PriceWriter{db: db}
}

// LoadPrices stages and loads one asset's points in a single transaction
// and returns the number of src rows written. Loading the same asset twice
// within a run replaces that run's prices.
func (w *PriceWriter) LoadPrices(ctx context.Context, run event.IngestionRun, points []event.PricePoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// stg holds exactly one asset's batch at a time.
	if _, err := tx.ExecContext(ctx, `TRUNCATE stg.price_history`); err != nil {
		return 0, fmt.Errorf("truncate staging: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("stg", "price_history", "hour", "asset", "price"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.Hour.UTC(), p.AssetID, p.Price.String()); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("copy %s %s: %w", p.AssetID, p.Hour.Format("2006-01-02T15"), err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO src.price_history (hour, asset, price, job_start_ts)
		SELECT DISTINCT ON (hour, asset) date_trunc('hour', hour), asset, price, $1
		FROM stg.price_history
		ORDER BY hour, asset
		ON CONFLICT (hour, asset, job_start_ts)
		DO UPDATE SET price = EXCLUDED.price`,
		run.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert src prices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// LogRun appends the run outcome to src.elt_log. Readers only trust runs
// logged as success. A successful run also prunes the rows of every older
// run in the same transaction, so readers switch over atomically.
func (w *PriceWriter) LogRun(ctx context.Context, run event.IngestionRun) error {
	var errMsg sql.NullString
	if run.Error != "" {
		errMsg = sql.NullString{String: run.Error, Valid: true}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO src.elt_log (job_start_ts, run_id, status, error, finished_at, rows_loaded)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.StartedAt.UTC(), run.RunID, string(run.Status), errMsg, run.FinishedAt.UTC(), run.RowsLoaded,
	)
	if err != nil {
		return fmt.Errorf("insert elt_log: %w", err)
	}

	if run.Succeeded() {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM src.price_history WHERE job_start_ts < $1`, run.StartedAt.UTC(),
		); err != nil {
			return fmt.Errorf("prune superseded runs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
