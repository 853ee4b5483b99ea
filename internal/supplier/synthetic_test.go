package supplier

import (
	"context"
	"testing"
	"time"

	"gemdex/internal/config"
)

func synthetic(seed int64, size int) *Synthetic {
	return NewSynthetic("synthetic", config.FeedConfig{
		Adapter:       "synthetic",
		RawTable:      "raw_synthetic",
		MaxPageSize:   50,
		SyntheticSeed: seed,
		SyntheticSize: size,
	})
}

func TestSyntheticDeterministic(t *testing.T) {
	a := synthetic(42, 100)
	b := synthetic(42, 100)
	ctx := context.Background()

	pa, err := a.Search(ctx, Query{}, 0, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := b.Search(ctx, Query{}, 0, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	if len(pa.Items) != len(pb.Items) {
		t.Fatalf("page sizes differ: %d vs %d", len(pa.Items), len(pb.Items))
	}
	for i := range pa.Items {
		if pa.Items[i].SupplierStoneID != pb.Items[i].SupplierStoneID ||
			pa.Items[i].PriceCents != pb.Items[i].PriceCents {
			t.Fatalf("item %d differs between identically seeded inventories", i)
		}
	}
}

func TestSyntheticSearchOrderedAndStable(t *testing.T) {
	s := synthetic(1, 200)
	ctx := context.Background()

	page, err := s.Search(ctx, Query{}, 0, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(page.Items); i++ {
		if page.Items[i].CreatedAt.Before(page.Items[i-1].CreatedAt) {
			t.Fatal("items not in createdAt ASC order")
		}
	}

	// Adjacent pages must not overlap or skip.
	next, err := s.Search(ctx, Query{}, 50, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	if next.Items[0].SupplierStoneID == page.Items[len(page.Items)-1].SupplierStoneID {
		t.Error("page boundary repeated an item")
	}
	if page.TotalCount != 200 || next.TotalCount != 200 {
		t.Errorf("total counts = %d/%d, want 200", page.TotalCount, next.TotalCount)
	}
}

func TestSyntheticPriceFilterHalfOpen(t *testing.T) {
	s := synthetic(7, 500)
	ctx := context.Background()

	lo, err := s.GetCount(ctx, Query{PriceMin: 0, PriceMax: 50_000})
	if err != nil {
		t.Fatal(err)
	}
	hi, err := s.GetCount(ctx, Query{PriceMin: 50_000, PriceMax: 10_000_000})
	if err != nil {
		t.Fatal(err)
	}
	all, err := s.GetCount(ctx, Query{PriceMin: 0, PriceMax: 10_000_000})
	if err != nil {
		t.Fatal(err)
	}
	// Half-open intervals partition the axis exactly.
	if lo+hi != all {
		t.Errorf("adjacent half-open ranges sum to %d, want %d", lo+hi, all)
	}
	if all != 500 {
		t.Errorf("full-range count = %d, want 500", all)
	}

	page, err := s.Search(ctx, Query{PriceMin: 10_000, PriceMax: 50_000}, 0, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range page.Items {
		if it.PriceCents < 10_000 || it.PriceCents >= 50_000 {
			t.Errorf("item price %d outside [10000, 50000)", it.PriceCents)
		}
	}
}

func TestSyntheticUpdatedWindow(t *testing.T) {
	s := synthetic(3, 300)
	ctx := context.Background()

	from := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	page, err := s.Search(ctx, Query{UpdatedFrom: from, UpdatedTo: to}, 0, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range page.Items {
		if it.SourceUpdatedAt.Before(from) || !it.SourceUpdatedAt.Before(to) {
			t.Errorf("item updated %s outside [%s, %s)", it.SourceUpdatedAt, from, to)
		}
	}
}

func TestSyntheticClampsPageSize(t *testing.T) {
	s := synthetic(5, 300)
	page, err := s.Search(context.Background(), Query{}, 0, 500, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 50 {
		t.Errorf("page size = %d, want clamped to 50", len(page.Items))
	}
}

func TestSyntheticOffsetPastEnd(t *testing.T) {
	s := synthetic(5, 10)
	page, err := s.Search(context.Background(), Query{}, 100, 50, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 0 {
		t.Errorf("got %d items past the end, want 0", len(page.Items))
	}
	if page.TotalCount != 10 {
		t.Errorf("total = %d, want 10", page.TotalCount)
	}
}

func TestSyntheticMapRoundTrip(t *testing.T) {
	s := synthetic(9, 10)
	page, err := s.Search(context.Background(), Query{}, 0, 1, OrderCreatedAtAsc)
	if err != nil {
		t.Fatal(err)
	}
	item := page.Items[0]

	fields, err := s.MapRawToCanonical(item.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if fields.SupplierStoneID != item.SupplierStoneID {
		t.Errorf("stone id = %s, want %s", fields.SupplierStoneID, item.SupplierStoneID)
	}
	if fields.SupplierPriceCents != item.PriceCents {
		t.Errorf("price = %d, want %d", fields.SupplierPriceCents, item.PriceCents)
	}
	if fields.Shape == "" || fields.ColorGrade == "" {
		t.Error("mapped fields incomplete")
	}
}

func TestSyntheticFailureInjectionRetryable(t *testing.T) {
	s := synthetic(2, 10)
	s.FailCounts = 1
	_, err := s.GetCount(context.Background(), Query{})
	if err == nil {
		t.Fatal("expected injected failure")
	}
	if !IsRetryable(err) {
		t.Error("injected network failure should be retryable")
	}
	if n, err := s.GetCount(context.Background(), Query{}); err != nil || n != 10 {
		t.Errorf("after injection: n=%d err=%v, want 10/nil", n, err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		limit, max, want int
	}{
		{30, 100, 30},
		{200, 100, 100},
		{0, 100, 100},
		{-5, 100, 100},
		{30, 0, 30},
	}
	for _, tc := range tests {
		if got := ClampLimit(tc.limit, tc.max); got != tc.want {
			t.Errorf("ClampLimit(%d, %d) = %d, want %d", tc.limit, tc.max, got, tc.want)
		}
	}
}
