package repository

import (
	"context"
	"fmt"

	"gemdex/internal/models"
)

// EnsureWorkerRun records that a worker touched (run, partition). Idempotent.
func (r *Repository) EnsureWorkerRun(ctx context.Context, runID, partitionID, workerID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.worker_runs (run_id, partition_id, worker_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, partition_id) DO NOTHING`,
		runID, partitionID, workerID,
	)
	return err
}

// FinishWorkerRun records the terminal outcome of the partition's worker row.
func (r *Repository) FinishWorkerRun(ctx context.Context, runID, partitionID, status string, records int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.worker_runs
		SET status = $3, records = records + $4, finished_at = NOW()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, status, records,
	)
	return err
}

// GetOrCreateProgress reads the partition's continuation state, creating the
// zero-offset row on first contact. The INSERT is idempotent under races;
// the subsequent SELECT observes whichever row won.
func (r *Repository) GetOrCreateProgress(ctx context.Context, runID, partitionID string) (models.PartitionProgress, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.partition_progress (run_id, partition_id)
		VALUES ($1, $2)
		ON CONFLICT (run_id, partition_id) DO NOTHING`,
		runID, partitionID,
	)
	if err != nil {
		return models.PartitionProgress{}, fmt.Errorf("ensure progress: %w", err)
	}

	var p models.PartitionProgress
	err = r.db.QueryRow(ctx, `
		SELECT run_id, partition_id, next_offset, completed, failed
		FROM app.partition_progress
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID,
	).Scan(&p.RunID, &p.PartitionID, &p.NextOffset, &p.Completed, &p.Failed)
	if err != nil {
		return models.PartitionProgress{}, err
	}
	return p, nil
}

// AdvanceOffset is the page-level compare-and-swap: it moves next_offset
// from oldOffset to newOffset only if no one else already did and the
// partition is not terminal. The returned bool is the branch condition —
// false means another worker advanced first and the caller must stop
// without enqueueing a successor.
func (r *Repository) AdvanceOffset(ctx context.Context, runID, partitionID string, oldOffset, newOffset int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET next_offset = $4, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND next_offset = $3
		  AND NOT completed AND NOT failed`,
		runID, partitionID, oldOffset, newOffset,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// CompletePartition terminally completes the partition only when next_offset
// still equals the caller's offset. False means someone else progressed or
// terminated it first.
func (r *Repository) CompletePartition(ctx context.Context, runID, partitionID string, offset int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET completed = TRUE, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND next_offset = $3
		  AND NOT completed AND NOT failed`,
		runID, partitionID, offset,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// MarkPartitionFailed flips the partition to failed unless it is already
// terminal. True means this call made the first transition, which is the
// only case that may increment the run's failed_workers counter.
func (r *Repository) MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET failed = TRUE, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2
		  AND NOT completed AND NOT failed`,
		runID, partitionID,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}
