package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gemdex/internal/models"
)

// CreateRun inserts the run record before any work is enqueued.
func (r *Repository) CreateRun(ctx context.Context, run models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.run_metadata
			(run_id, feed_id, run_type, expected_workers, force_consolidate,
			 updated_from, updated_to, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		run.RunID, run.FeedID, string(run.RunType), run.ExpectedWorkers,
		run.ForceConsolidate, run.UpdatedFrom, run.UpdatedTo,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	var runType string
	err := r.db.QueryRow(ctx, `
		SELECT run_id, feed_id, run_type, expected_workers, completed_workers,
		       failed_workers, force_consolidate, updated_from, updated_to,
		       started_at, completed_at, consolidation_started_at,
		       records_consolidated, records_failed
		FROM app.run_metadata
		WHERE run_id = $1`,
		runID,
	).Scan(&run.RunID, &run.FeedID, &runType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.ForceConsolidate,
		&run.UpdatedFrom, &run.UpdatedTo, &run.StartedAt, &run.CompletedAt,
		&run.ConsolidationStartedAt, &run.RecordsConsolidated, &run.RecordsFailed)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.RunType = models.RunType(runType)
	return &run, nil
}

// IncrementCompletedWorkers bumps the counter atomically and returns the
// post-increment counts so the caller can detect the last-worker transition
// without a second read racing other workers.
func (r *Repository) IncrementCompletedWorkers(ctx context.Context, runID string) (completed, failed, expected int, err error) {
	err = r.db.QueryRow(ctx, `
		UPDATE app.run_metadata
		SET completed_workers = completed_workers + 1
		WHERE run_id = $1
		RETURNING completed_workers, failed_workers, expected_workers`,
		runID,
	).Scan(&completed, &failed, &expected)
	return
}

// IncrementFailedWorkers bumps the failure counter atomically. Callers must
// only invoke this on the first transition of a partition to failed (the
// partition_progress CAS detects that), so a retried failure never
// double-counts.
func (r *Repository) IncrementFailedWorkers(ctx context.Context, runID string) (completed, failed, expected int, err error) {
	err = r.db.QueryRow(ctx, `
		UPDATE app.run_metadata
		SET failed_workers = failed_workers + 1
		WHERE run_id = $1
		RETURNING completed_workers, failed_workers, expected_workers`,
		runID,
	).Scan(&completed, &failed, &expected)
	return
}

// MarkRunCompleted sets completed_at exactly once; later calls are no-ops.
func (r *Repository) MarkRunCompleted(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.run_metadata
		SET completed_at = NOW()
		WHERE run_id = $1 AND completed_at IS NULL`,
		runID,
	)
	return err
}

func (r *Repository) MarkConsolidationStarted(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.run_metadata
		SET consolidation_started_at = COALESCE(consolidation_started_at, NOW())
		WHERE run_id = $1`,
		runID,
	)
	return err
}

// RecordRunStats accumulates consolidation totals for the run.
func (r *Repository) RecordRunStats(ctx context.Context, runID string, consolidated, failed int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.run_metadata
		SET records_consolidated = records_consolidated + $2,
		    records_failed = records_failed + $3
		WHERE run_id = $1`,
		runID, consolidated, failed,
	)
	return err
}
