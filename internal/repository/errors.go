package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// LogError persists one error row for ops visibility. Deduped by
// (component, run, partition, hash) with ON CONFLICT DO NOTHING so a
// redelivered failing message does not spam the table. Fire-and-forget:
// callers ignore the returned error beyond logging it.
func (r *Repository) LogError(ctx context.Context, component, runID, partitionID, message string, detail []byte) error {
	sum := sha256.Sum256([]byte(message))
	hash := hex.EncodeToString(sum[:8])

	_, err := r.db.Exec(ctx, `
		INSERT INTO app.error_logs (component, run_id, partition_id, error_hash, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (component, run_id, partition_id, error_hash) DO NOTHING`,
		component, runID, partitionID, hash, message, detail,
	)
	return err
}
