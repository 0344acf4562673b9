package event

import (
	"time"
)

// IngestionRunStatus is the terminal status recorded for a price ingestion run.
type IngestionRunStatus string

const (
	RunStatusSuccess IngestionRunStatus = "success"
	RunStatusError   IngestionRunStatus = "error"
)

// IngestionRun identifies one completed execution of the price pipeline.
// Readers select rows by StartedAt; RunID is for log correlation.
type IngestionRun struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"job_start_ts"`
	FinishedAt time.Time          `json:"finished_at"`
	Status     IngestionRunStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	Assets     []string           `json:"assets,omitempty"`
	RowsLoaded int                `json:"rows_loaded"`
}

// Succeeded reports whether readers may use the run's rows.
func (r IngestionRun) Succeeded() bool {
	return r.Status == RunStatusSuccess
}
