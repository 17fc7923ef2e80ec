// Package runs records the lifecycle of pipeline invocations in
// meta.etl_runs: one row per invocation, created running and moved exactly
// once to completed or failed.
package runs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emeraldleaf/riparian-poc/internal/logging"
	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// Tracker persists run records.
type Tracker struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// New creates a Tracker over an existing pool.
func New(pool *pgxpool.Pool, log *logging.Logger) *Tracker {
	return &Tracker{pool: pool, log: log}
}

// Begin inserts a new running record and returns its identifier.
func (t *Tracker) Begin(ctx context.Context, runType string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := t.pool.Exec(ctx,
		`INSERT INTO meta.etl_runs (id, run_type, status) VALUES ($1, $2, $3)`,
		id, runType, models.RunStatusRunning)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start run: %w", err)
	}
	t.log.Info("started run", "run_id", id, "type", runType)
	return id, nil
}

// Complete marks a running record as completed with its aggregate counts and
// change flags. Records already in a terminal state are never modified.
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID, sum models.RunSummary) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE meta.etl_runs
		SET completed_at = now(),
		    status = $2,
		    records_inserted = $3,
		    records_updated = $4,
		    records_skipped = $5,
		    streams_changed = $6,
		    parcels_changed = $7,
		    buffers_changed = $8
		WHERE id = $1 AND status = $9`,
		id, models.RunStatusCompleted,
		sum.RecordsInserted, sum.RecordsUpdated, sum.RecordsSkipped,
		sum.StreamsChanged, sum.ParcelsChanged, sum.BuffersChanged,
		models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: not in running state", id)
	}
	t.log.Info("completed run", "run_id", id,
		"inserted", sum.RecordsInserted, "updated", sum.RecordsUpdated,
		"skipped", sum.RecordsSkipped)
	return nil
}

// Fail marks a running record as failed with the error text. Like Complete,
// it refuses to touch a record already in a terminal state.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	msg := cause.Error()
	tag, err := t.pool.Exec(ctx, `
		UPDATE meta.etl_runs
		SET completed_at = now(), status = $2, error_message = $3
		WHERE id = $1 AND status = $4`,
		id, models.RunStatusFailed, msg, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail run %s: not in running state", id)
	}
	t.log.Error("failed run", "run_id", id, "error", msg)
	return nil
}

const runColumns = `id, run_type, started_at, completed_at, status,
	records_inserted, records_updated, records_skipped, error_message,
	streams_changed, parcels_changed, buffers_changed`

func scanRun(row interface{ Scan(...any) error }) (models.RunRecord, error) {
	var r models.RunRecord
	err := row.Scan(
		&r.ID, &r.RunType, &r.StartedAt, &r.CompletedAt, &r.Status,
		&r.RecordsInserted, &r.RecordsUpdated, &r.RecordsSkipped,
		&r.ErrorMessage, &r.StreamsChanged, &r.ParcelsChanged,
		&r.BuffersChanged)
	return r, err
}

// LastSuccessful returns the most recent completed run of the given type,
// or nil when none exists.
func (t *Tracker) LastSuccessful(ctx context.Context, runType string) (*models.RunRecord, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM meta.etl_runs
		WHERE run_type = $1 AND status = $2
		ORDER BY completed_at DESC
		LIMIT 1`,
		runType, models.RunStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("last successful run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRun(rows)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// Recent returns the latest runs of any type, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]models.RunRecord, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM meta.etl_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	records := make([]models.RunRecord, 0, limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
