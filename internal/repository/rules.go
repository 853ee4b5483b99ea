package repository

import (
	"context"

	"gemdex/internal/models"
)

// LoadPricingRules returns enabled rules for the feed (plus feed-agnostic
// rules with an empty feed_id), ordered by priority. Loaded once per
// consolidation and held in memory for its duration.
func (r *Repository) LoadPricingRules(ctx context.Context, feedID string) ([]models.PricingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed_id, priority, shape, weight_min, weight_max,
		       color_grades, clarity_grades, margin_bps, flat_cents
		FROM app.pricing_rules
		WHERE enabled AND (feed_id = $1 OR feed_id = '')
		ORDER BY priority, id`,
		feedID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PricingRule
	for rows.Next() {
		var p models.PricingRule
		if err := rows.Scan(&p.ID, &p.FeedID, &p.Priority, &p.Shape,
			&p.WeightMin, &p.WeightMax, &p.ColorGrades, &p.ClarityGrades,
			&p.MarginBps, &p.FlatCents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadRatingRules mirrors LoadPricingRules for the rating table.
func (r *Repository) LoadRatingRules(ctx context.Context, feedID string) ([]models.RatingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed_id, priority, attribute, grades, points, label
		FROM app.rating_rules
		WHERE enabled AND (feed_id = $1 OR feed_id = '')
		ORDER BY priority, id`,
		feedID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RatingRule
	for rows.Next() {
		var rr models.RatingRule
		if err := rows.Scan(&rr.ID, &rr.FeedID, &rr.Priority, &rr.Attribute,
			&rr.Grades, &rr.Points, &rr.Label); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
