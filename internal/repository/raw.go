package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"gemdex/internal/models"
)

// UpsertRawRecords bulk-upserts one page of landed supplier items into the
// feed's raw table. The upsert is hash-gated: a conflicting row is rewritten
// (and its consolidation status reset to pending) only when payload_hash
// changed, so redelivered pages and unchanged items are no-ops.
func (r *Repository) UpsertRawRecords(ctx context.Context, rawTable string, records []models.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (
			supplier_stone_id, offer_id, run_id, feed_id,
			payload, payload_hash, source_updated_at, consolidation_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			run_id = EXCLUDED.run_id,
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			source_updated_at = EXCLUDED.source_updated_at,
			consolidation_status = 'pending',
			claimed_at = NULL,
			claimed_by = NULL,
			updated_at = NOW()
		WHERE %s.payload_hash IS DISTINCT FROM EXCLUDED.payload_hash`,
		table, table,
	)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(sql,
			rec.SupplierStoneID, rec.OfferID, rec.RunID, rec.FeedID,
			rec.Payload, rec.PayloadHash, rec.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(records); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert raw batch: %w", err)
		}
	}
	return nil
}

// ClaimedRow is one raw row reserved for this consolidator instance.
type ClaimedRow struct {
	SupplierStoneID string
	OfferID         string
	Payload         json.RawMessage
	SourceUpdatedAt time.Time
}

// ClaimBatch reserves up to batchSize unconsolidated rows for instanceID.
// SKIP LOCKED keeps concurrent consolidators off each other's rows; the
// processing status plus claimed_at TTL covers instances that die mid-batch.
// Rows come back in created_at order.
func (r *Repository) ClaimBatch(ctx context.Context, rawTable, feedID, instanceID string, batchSize int) ([]ClaimedRow, error) {
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`
		UPDATE %s t
		SET consolidation_status = 'processing',
		    claimed_at = NOW(),
		    claimed_by = $1
		WHERE t.supplier_stone_id IN (
			SELECT supplier_stone_id FROM %s
			WHERE consolidation_status = 'pending' AND feed_id = $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING t.supplier_stone_id, t.offer_id, t.payload, t.source_updated_at`,
		table, table,
	)

	rows, err := r.db.Query(ctx, sql, instanceID, feedID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var out []ClaimedRow
	for rows.Next() {
		var c ClaimedRow
		if err := rows.Scan(&c.SupplierStoneID, &c.OfferID, &c.Payload, &c.SourceUpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResetStuckClaims returns rows claimed longer than ttl ago to pending so a
// consolidator crash never strands work. Returns the number recovered.
func (r *Repository) ResetStuckClaims(ctx context.Context, rawTable string, ttl time.Duration) (int64, error) {
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'pending',
		    claimed_at = NULL,
		    claimed_by = NULL
		WHERE consolidation_status = 'processing'
		  AND claimed_at < NOW() - $1::interval`,
		table,
	)
	cmd, err := r.db.Exec(ctx, sql, ttl.String())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// MarkRawDone terminally finishes consolidated rows. When clearPayload is
// set the payload blob is dropped as a retention optimization.
func (r *Repository) MarkRawDone(ctx context.Context, rawTable string, ids []string, clearPayload bool) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return err
	}
	payloadClause := ""
	if clearPayload {
		payloadClause = "payload = NULL,"
	}
	sql := fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'done',
		    %s
		    consolidated_at = NOW(),
		    claimed_at = NULL,
		    claimed_by = NULL
		WHERE supplier_stone_id = ANY($1)`,
		table, payloadClause,
	)
	_, err = r.db.Exec(ctx, sql, ids)
	return err
}

// MarkRawFailed parks rows whose mapping or write failed. Payload is kept
// for replay after a mapper fix.
func (r *Repository) MarkRawFailed(ctx context.Context, rawTable string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`
		UPDATE %s
		SET consolidation_status = 'failed',
		    claimed_at = NULL,
		    claimed_by = NULL
		WHERE supplier_stone_id = ANY($1)`,
		table,
	)
	_, err = r.db.Exec(ctx, sql, ids)
	return err
}

// CountRawByStatus is used by run stats and the trigger server.
func (r *Repository) CountRawByStatus(ctx context.Context, rawTable, feedID string, status models.ConsolidationStatus) (int64, error) {
	table, err := ResolveRawTable(rawTable)
	if err != nil {
		return 0, err
	}
	var n int64
	sql := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE feed_id = $1 AND consolidation_status = $2`,
		table,
	)
	err = r.db.QueryRow(ctx, sql, feedID, string(status)).Scan(&n)
	return n, err
}
