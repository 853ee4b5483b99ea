package models

import (
	"encoding/json"
	"time"
)

// RunType distinguishes a from-epoch crawl from a watermark-windowed one.
type RunType string

const (
	RunTypeFull        RunType = "full"
	RunTypeIncremental RunType = "incremental"
)

// Run represents the 'run_metadata' table: one ingestion attempt for one feed.
type Run struct {
	RunID                  string     `json:"run_id"`
	FeedID                 string     `json:"feed_id"`
	RunType                RunType    `json:"run_type"`
	ExpectedWorkers        int        `json:"expected_workers"`
	CompletedWorkers       int        `json:"completed_workers"`
	FailedWorkers          int        `json:"failed_workers"`
	ForceConsolidate       bool       `json:"force_consolidate"`
	UpdatedFrom            time.Time  `json:"updated_from"`
	UpdatedTo              time.Time  `json:"updated_to"`
	StartedAt              time.Time  `json:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	ConsolidationStartedAt *time.Time `json:"consolidation_started_at,omitempty"`
	RecordsConsolidated    int64      `json:"records_consolidated"`
	RecordsFailed          int64      `json:"records_failed"`
}

// PartitionProgress is the continuation state for one partition of a run.
// next_offset only moves through compare-and-swap updates; completed and
// failed are mutually exclusive terminal states.
type PartitionProgress struct {
	RunID       string `json:"run_id"`
	PartitionID string `json:"partition_id"`
	NextOffset  int    `json:"next_offset"`
	Completed   bool   `json:"completed"`
	Failed      bool   `json:"failed"`
}

// Terminal reports whether the partition can accept no further work.
func (p PartitionProgress) Terminal() bool {
	return p.Completed || p.Failed
}

// Partition is one contiguous price slice of a feed's inventory.
// Bounds are half-open: [PriceMin, PriceMax) in minor units (cents).
type Partition struct {
	ID             string `json:"id"`
	PriceMin       int64  `json:"price_min"`
	PriceMax       int64  `json:"price_max"`
	EstimatedCount int    `json:"estimated_count"`
}

// WorkMessage carries exactly one page of one partition. A successful page
// emits its own successor only while more pages remain.
type WorkMessage struct {
	RunID       string    `json:"run_id"`
	TraceID     string    `json:"trace_id"`
	FeedID      string    `json:"feed_id"`
	PartitionID string    `json:"partition_id"`
	PriceMin    int64     `json:"price_min"`
	PriceMax    int64     `json:"price_max"`
	UpdatedFrom time.Time `json:"updated_from"`
	UpdatedTo   time.Time `json:"updated_to"`
	Offset      int       `json:"offset"`
	Limit       int       `json:"limit"`
	Shapes      []string  `json:"shapes,omitempty"`
	SizeMin     float64   `json:"size_min,omitempty"`
	SizeMax     float64   `json:"size_max,omitempty"`
	Force       bool      `json:"force,omitempty"`
}

// WorkDoneMessage is emitted once per partition outcome, for observability.
type WorkDoneMessage struct {
	RunID            string `json:"run_id"`
	PartitionID      string `json:"partition_id"`
	WorkerID         string `json:"worker_id"`
	RecordsProcessed int    `json:"records_processed"`
	Status           string `json:"status"` // completed | failed | skipped
	Error            string `json:"error,omitempty"`
}

// ConsolidateMessage triggers consolidation of a finished run.
type ConsolidateMessage struct {
	RunID     string    `json:"run_id"`
	FeedID    string    `json:"feed_id"`
	TraceID   string    `json:"trace_id"`
	UpdatedTo time.Time `json:"updated_to"`
	Force     bool      `json:"force,omitempty"`
}

// ConsolidationStatus is the lifecycle of a raw row through the consolidator.
type ConsolidationStatus string

const (
	StatusPending    ConsolidationStatus = "pending"
	StatusProcessing ConsolidationStatus = "processing"
	StatusDone       ConsolidationStatus = "done"
	StatusFailed     ConsolidationStatus = "failed"
)

// RawRecord is a supplier item as landed, before mapping and pricing.
type RawRecord struct {
	SupplierStoneID     string              `json:"supplier_stone_id"`
	OfferID             string              `json:"offer_id"`
	RunID               string              `json:"run_id"`
	FeedID              string              `json:"feed_id"`
	Payload             json.RawMessage     `json:"payload,omitempty"`
	PayloadHash         string              `json:"payload_hash"`
	SourceUpdatedAt     time.Time           `json:"source_updated_at"`
	ConsolidationStatus ConsolidationStatus `json:"consolidation_status"`
	ClaimedAt           *time.Time          `json:"claimed_at,omitempty"`
	ClaimedBy           *string             `json:"claimed_by,omitempty"`
	ConsolidatedAt      *time.Time          `json:"consolidated_at,omitempty"`
}

// CanonicalFields is the adapter-mapped portion of a diamond, before pricing
// and rating are applied.
type CanonicalFields struct {
	SupplierStoneID    string
	OfferID            string
	Shape              string
	WeightCarats       float64
	ColorGrade         string
	ClarityGrade       string
	CutGrade           string
	PolishGrade        string
	SymmetryGrade      string
	Fluorescence       string
	Lab                string
	CertificateNumber  string
	SupplierPriceCents int64
	Availability       string
	ImageURL           string
	VideoURL           string
	SourceUpdatedAt    time.Time
}

// Diamond represents the 'diamonds' table: the canonical output row.
type Diamond struct {
	FeedID             string    `json:"feed_id"`
	SupplierStoneID    string    `json:"supplier_stone_id"`
	OfferID            string    `json:"offer_id"`
	Shape              string    `json:"shape"`
	WeightCarats       float64   `json:"weight_carats"`
	ColorGrade         string    `json:"color_grade"`
	ClarityGrade       string    `json:"clarity_grade"`
	CutGrade           string    `json:"cut_grade"`
	PolishGrade        string    `json:"polish_grade"`
	SymmetryGrade      string    `json:"symmetry_grade"`
	Fluorescence       string    `json:"fluorescence"`
	Lab                string    `json:"lab"`
	CertificateNumber  string    `json:"certificate_number"`
	SupplierPriceCents int64     `json:"supplier_price_cents"`
	ComputedPriceCents int64     `json:"computed_price_cents"`
	Rating             int       `json:"rating"`
	RatingLabel        string    `json:"rating_label"`
	Availability       string    `json:"availability"`
	Status             string    `json:"status"`
	ImageURL           string    `json:"image_url"`
	VideoURL           string    `json:"video_url"`
	SourceUpdatedAt    time.Time `json:"source_updated_at"`
}

// Watermark marks the upper time bound a feed has been consolidated through.
// Stored as one JSON blob per feed in the watermarks container.
type Watermark struct {
	FeedID             string    `json:"feed_id"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
	LastRunID          string    `json:"last_run_id"`
	LastRunCompletedAt time.Time `json:"last_run_completed_at"`
}

// PricingRule adjusts the supplier price when its predicate matches.
// Rules are evaluated in ascending priority order; the first match wins.
type PricingRule struct {
	ID            int64
	FeedID        string
	Priority      int
	Shape         string
	WeightMin     float64
	WeightMax     float64
	ColorGrades   []string
	ClarityGrades []string
	MarginBps     int
	FlatCents     int64
}

// RatingRule contributes points to the 0-100 quality rating when one of its
// grades matches the named attribute.
type RatingRule struct {
	ID        int64
	FeedID    string
	Priority  int
	Attribute string
	Grades    []string
	Points    int
	Label     string
}
