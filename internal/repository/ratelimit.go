package repository

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireToken takes one token from the feed's shared fixed-window
// budget. The window row is read FOR UPDATE inside a transaction so the
// whole worker fleet decrements one atomic counter; no in-process bucket
// can provide that.
func (r *Repository) TryAcquireToken(ctx context.Context, feedID, scope string, maxPerWindow int, window time.Duration) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin rate window tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO app.rate_limit_windows (feed_id, scope, window_start, current_count)
		VALUES ($1, $2, NOW(), 0)
		ON CONFLICT (feed_id, scope) DO NOTHING`,
		feedID, scope,
	)
	if err != nil {
		return false, err
	}

	var windowStart time.Time
	var count int
	err = tx.QueryRow(ctx, `
		SELECT window_start, current_count
		FROM app.rate_limit_windows
		WHERE feed_id = $1 AND scope = $2
		FOR UPDATE`,
		feedID, scope,
	).Scan(&windowStart, &count)
	if err != nil {
		return false, err
	}

	now := time.Now()
	if now.Sub(windowStart) >= window {
		// Window elapsed; refill.
		windowStart = now
		count = 0
	}
	if count >= maxPerWindow {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE app.rate_limit_windows
		SET window_start = $3, current_count = $4
		WHERE feed_id = $1 AND scope = $2`,
		feedID, scope, windowStart, count+1,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
