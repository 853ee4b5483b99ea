package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// BumpDatasetVersion increments the feed's monotone version counter and
// returns the new value. Downstream caches key their invalidation on it.
func (r *Repository) BumpDatasetVersion(ctx context.Context, feedID string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.dataset_versions (feed_id, version, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (feed_id) DO UPDATE SET
			version = app.dataset_versions.version + 1,
			updated_at = NOW()
		RETURNING version`,
		feedID,
	).Scan(&version)
	return version, err
}

func (r *Repository) GetDatasetVersion(ctx context.Context, feedID string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx,
		`SELECT version FROM app.dataset_versions WHERE feed_id = $1`, feedID,
	).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return version, err
}
