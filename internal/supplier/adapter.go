// Package supplier hides supplier-specific wire protocols behind a single
// capability set. Workers and the consolidator only ever see an Adapter.
package supplier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gemdex/internal/config"
	"gemdex/internal/models"
)

// Order is the deterministic page ordering. Every search uses createdAt ASC
// so items do not shift between pages during a run.
type Order string

const OrderCreatedAtAsc Order = "createdAt ASC"

// Query is the flat filter record adapters translate to their native form.
// Price bounds are half-open [PriceMin, PriceMax) in cents; adapters for
// suppliers with inclusive integer filters subtract one cent from the upper
// bound on their side of the boundary.
type Query struct {
	PriceMin    int64
	PriceMax    int64
	UpdatedFrom time.Time
	UpdatedTo   time.Time
	Shapes      []string
	SizeMin     float64
	SizeMax     float64
}

// Item is one supplier record as returned by Search, before mapping.
type Item struct {
	SupplierStoneID string
	OfferID         string
	Payload         []byte
	SourceUpdatedAt time.Time
	CreatedAt       time.Time
	PriceCents      int64
}

// Page is one bounded search result.
type Page struct {
	Items      []Item
	TotalCount int
}

// Metadata identifies a feed and its operational limits.
type Metadata struct {
	FeedID        string
	RawTable      string
	WatermarkName string
	MaxPageSize   int
	Heatmap       config.HeatmapConfig
}

// Adapter is the capability set implemented once per supplier.
type Adapter interface {
	Metadata() Metadata
	// GetCount returns the exact number of items matching q. Monotone in
	// query tightness. Implementations may cache.
	GetCount(ctx context.Context, q Query) (int, error)
	// Search returns one deterministically ordered page. limit is clamped
	// to Metadata().MaxPageSize.
	Search(ctx context.Context, q Query, offset, limit int, order Order) (Page, error)
	// MapRawToCanonical is a pure function; no I/O.
	MapRawToCanonical(payload []byte) (models.CanonicalFields, error)
}

// ErrKind classifies adapter failures by behavior.
type ErrKind string

const (
	ErrKindNetwork   ErrKind = "network"
	ErrKindAuth      ErrKind = "auth"
	ErrKindRateLimit ErrKind = "ratelimit"
	ErrKindProtocol  ErrKind = "protocol"
	ErrKindNotFound  ErrKind = "notfound"
)

// Error is the typed failure surface of adapter calls.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("supplier %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
// ratelimit and network are retryable; auth gets one re-auth inside the
// adapter; protocol is fatal for the call.
func (e *Error) Retryable() bool {
	return e.Kind == ErrKindNetwork || e.Kind == ErrKindRateLimit
}

// IsRetryable classifies any error from an adapter call.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Unknown errors (context cancellation aside) are treated as transient.
	return !errors.Is(err, context.Canceled)
}

// ClampLimit applies the adapter page size cap.
func ClampLimit(limit, maxPageSize int) int {
	if maxPageSize > 0 && limit > maxPageSize {
		return maxPageSize
	}
	if limit <= 0 {
		return maxPageSize
	}
	return limit
}
