package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gemdex/internal/models"
)

// UpsertDiamonds bulk-upserts canonical rows keyed by (feed_id,
// supplier_stone_id). The WHERE predicate makes the upsert a no-op when the
// source timestamp, computed price, and status are all unchanged, so
// re-consolidation does not churn updated_at for downstream readers.
func (r *Repository) UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) error {
	if len(diamonds) == 0 {
		return nil
	}

	const sql = `
		INSERT INTO app.diamonds (
			feed_id, supplier_stone_id, offer_id, shape, weight_carats,
			color_grade, clarity_grade, cut_grade, polish_grade, symmetry_grade,
			fluorescence, lab, certificate_number,
			supplier_price_cents, computed_price_cents, rating, rating_label,
			availability, status, image_url, video_url, source_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (feed_id, supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			shape = EXCLUDED.shape,
			weight_carats = EXCLUDED.weight_carats,
			color_grade = EXCLUDED.color_grade,
			clarity_grade = EXCLUDED.clarity_grade,
			cut_grade = EXCLUDED.cut_grade,
			polish_grade = EXCLUDED.polish_grade,
			symmetry_grade = EXCLUDED.symmetry_grade,
			fluorescence = EXCLUDED.fluorescence,
			lab = EXCLUDED.lab,
			certificate_number = EXCLUDED.certificate_number,
			supplier_price_cents = EXCLUDED.supplier_price_cents,
			computed_price_cents = EXCLUDED.computed_price_cents,
			rating = EXCLUDED.rating,
			rating_label = EXCLUDED.rating_label,
			availability = EXCLUDED.availability,
			status = EXCLUDED.status,
			image_url = EXCLUDED.image_url,
			video_url = EXCLUDED.video_url,
			source_updated_at = EXCLUDED.source_updated_at,
			updated_at = NOW()
		WHERE app.diamonds.source_updated_at IS DISTINCT FROM EXCLUDED.source_updated_at
		   OR app.diamonds.computed_price_cents IS DISTINCT FROM EXCLUDED.computed_price_cents
		   OR app.diamonds.status IS DISTINCT FROM EXCLUDED.status`

	batch := &pgx.Batch{}
	for _, d := range diamonds {
		batch.Queue(sql,
			d.FeedID, d.SupplierStoneID, d.OfferID, d.Shape, d.WeightCarats,
			d.ColorGrade, d.ClarityGrade, d.CutGrade, d.PolishGrade, d.SymmetryGrade,
			d.Fluorescence, d.Lab, d.CertificateNumber,
			d.SupplierPriceCents, d.ComputedPriceCents, d.Rating, d.RatingLabel,
			d.Availability, d.Status, d.ImageURL, d.VideoURL, d.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(diamonds); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert diamonds batch: %w", err)
		}
	}
	return nil
}

// CountDiamonds reports canonical rows for a feed; used by tests and status.
func (r *Repository) CountDiamonds(ctx context.Context, feedID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM app.diamonds WHERE feed_id = $1`, feedID,
	).Scan(&n)
	return n, err
}
