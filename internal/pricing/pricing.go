// Package pricing evaluates pricing and rating rules. Everything here is a
// pure function from (canonical fields, rules) to (price, rating); rule
// loading lives in the repository.
package pricing

import (
	"gemdex/internal/models"
)

// ComputePrice applies the first matching pricing rule (rules arrive sorted
// by priority). No match leaves the supplier price untouched.
func ComputePrice(f models.CanonicalFields, rules []models.PricingRule) int64 {
	for _, rule := range rules {
		if !priceRuleMatches(f, rule) {
			continue
		}
		price := f.SupplierPriceCents
		price += price * int64(rule.MarginBps) / 10_000
		price += rule.FlatCents
		if price < 0 {
			price = 0
		}
		return price
	}
	return f.SupplierPriceCents
}

func priceRuleMatches(f models.CanonicalFields, rule models.PricingRule) bool {
	if rule.Shape != "" && rule.Shape != f.Shape {
		return false
	}
	if f.WeightCarats < rule.WeightMin || f.WeightCarats >= rule.WeightMax {
		return false
	}
	if len(rule.ColorGrades) > 0 && !contains(rule.ColorGrades, f.ColorGrade) {
		return false
	}
	if len(rule.ClarityGrades) > 0 && !contains(rule.ClarityGrades, f.ClarityGrade) {
		return false
	}
	return true
}

// ComputeRating sums the points of every matching rating rule into a 0-100
// score. Each rule targets one attribute (cut, polish, symmetry,
// fluorescence, color, clarity) and matches when the stone's grade for that
// attribute is in the rule's grade list.
func ComputeRating(f models.CanonicalFields, rules []models.RatingRule) (int, string) {
	score := 0
	for _, rule := range rules {
		if ratingRuleMatches(f, rule) {
			score += rule.Points
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, ratingLabel(score)
}

func ratingRuleMatches(f models.CanonicalFields, rule models.RatingRule) bool {
	var grade string
	switch rule.Attribute {
	case "cut":
		grade = f.CutGrade
	case "polish":
		grade = f.PolishGrade
	case "symmetry":
		grade = f.SymmetryGrade
	case "fluorescence":
		grade = f.Fluorescence
	case "color":
		grade = f.ColorGrade
	case "clarity":
		grade = f.ClarityGrade
	default:
		return false
	}
	return contains(rule.Grades, grade)
}

func ratingLabel(score int) string {
	switch {
	case score >= 90:
		return "exceptional"
	case score >= 75:
		return "excellent"
	case score >= 50:
		return "good"
	default:
		return "fair"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
