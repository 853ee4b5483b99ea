package heatmap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gemdex/internal/config"
	"gemdex/internal/supplier"
)

// countFunc adapts a density function to the Counter interface, tracking the
// number of calls.
type countFunc struct {
	mu    sync.Mutex
	calls int
	fn    func(q supplier.Query) (int, error)
}

func (c *countFunc) GetCount(ctx context.Context, q supplier.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(q)
}

// densityOf builds a count function from a fixed set of item prices.
func densityOf(prices []int64) func(q supplier.Query) (int, error) {
	return func(q supplier.Query) (int, error) {
		n := 0
		for _, p := range prices {
			if p >= q.PriceMin && p < q.PriceMax {
				n++
			}
		}
		return n, nil
	}
}

func fastScanner(counter Counter, cfg config.HeatmapConfig) *Scanner {
	s := NewScanner(counter, supplier.Query{}, cfg)
	s.baseBackoff = time.Millisecond
	return s
}

func TestScanCoversRangeWithoutGapsOrOverlap(t *testing.T) {
	prices := []int64{1_000, 2_500, 7_000, 50_000, 220_000, 900_000, 4_999_999}
	counter := &countFunc{fn: densityOf(prices)}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           5_000_000,
		DenseZoneThreshold: 100_000,
		DenseZoneStep:      10_000,
		Concurrency:        3,
	}

	chunks, err := fastScanner(counter, cfg).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	total := 0
	var prevMax int64 = -1
	for _, c := range chunks {
		if c.Min >= c.Max {
			t.Errorf("chunk [%d, %d) is empty or inverted", c.Min, c.Max)
		}
		if prevMax > c.Min {
			t.Errorf("chunk [%d, %d) overlaps previous ending at %d", c.Min, c.Max, prevMax)
		}
		prevMax = c.Max
		total += c.Count
	}
	if total != len(prices) {
		t.Errorf("chunk counts sum to %d, want %d", total, len(prices))
	}
}

func TestScanDenseZoneUsesFixedStep(t *testing.T) {
	counter := &countFunc{fn: func(q supplier.Query) (int, error) { return 1, nil }}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           100_000,
		DenseZoneThreshold: 100_000, // whole range is dense
		DenseZoneStep:      20_000,
		Concurrency:        2,
	}

	chunks, err := fastScanner(counter, cfg).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks, want 5 fixed-step cells", len(chunks))
	}
	for _, c := range chunks {
		if c.Max-c.Min != 20_000 {
			t.Errorf("dense-zone chunk [%d, %d) width %d, want 20000", c.Min, c.Max, c.Max-c.Min)
		}
	}
}

func TestScanAdaptiveStepGrowsOverSparseTail(t *testing.T) {
	// Everything sits below 50k; the tail above the dense zone is empty.
	prices := []int64{10_000, 20_000, 30_000}
	counter := &countFunc{fn: densityOf(prices)}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           10_000_000,
		DenseZoneThreshold: 50_000,
		DenseZoneStep:      10_000,
		Concurrency:        4,
	}

	chunks, err := fastScanner(counter, cfg).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	total := 0
	for _, c := range chunks {
		total += c.Count
	}
	if total != 3 {
		t.Errorf("total %d, want 3", total)
	}
	// The sparse tail is 9.95M wide. At the dense-zone step it would take
	// ~1000 calls; step growth must keep it well under that.
	if counter.calls > 300 {
		t.Errorf("scan used %d count calls over a sparse tail, expected step growth to keep it low", counter.calls)
	}
}

func TestScanRetriesTransientFailures(t *testing.T) {
	fails := 2
	var mu sync.Mutex
	counter := &countFunc{fn: func(q supplier.Query) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			return 0, &supplier.Error{Kind: supplier.ErrKindNetwork, Op: "getCount", Err: fmt.Errorf("boom")}
		}
		return 1, nil
	}}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           10_000,
		DenseZoneThreshold: 10_000,
		DenseZoneStep:      10_000,
		Concurrency:        1,
	}

	chunks, err := fastScanner(counter, cfg).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan should survive transient failures: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Count != 1 {
		t.Errorf("got %+v, want one chunk with count 1", chunks)
	}
}

func TestScanAbortsWhenRetriesExhausted(t *testing.T) {
	counter := &countFunc{fn: func(q supplier.Query) (int, error) {
		return 0, &supplier.Error{Kind: supplier.ErrKindNetwork, Op: "getCount", Err: fmt.Errorf("down")}
	}}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           10_000,
		DenseZoneThreshold: 10_000,
		DenseZoneStep:      10_000,
		Concurrency:        1,
	}

	if _, err := fastScanner(counter, cfg).Scan(context.Background()); err == nil {
		t.Fatal("Scan should abort after exhausting retries")
	}
}

func TestScanStopsOnNonRetryableError(t *testing.T) {
	counter := &countFunc{fn: func(q supplier.Query) (int, error) {
		return 0, &supplier.Error{Kind: supplier.ErrKindProtocol, Op: "getCount", Err: fmt.Errorf("bad request")}
	}}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           10_000,
		DenseZoneThreshold: 10_000,
		DenseZoneStep:      10_000,
		Concurrency:        1,
	}

	if _, err := fastScanner(counter, cfg).Scan(context.Background()); err == nil {
		t.Fatal("Scan should fail fast on a protocol error")
	}
	if counter.calls != 1 {
		t.Errorf("made %d calls, want 1 (no retry on protocol errors)", counter.calls)
	}
}

func TestTwoPassScanFindsDenseRegions(t *testing.T) {
	// One dense cluster around 2M, empty elsewhere. The coarse pass should
	// isolate the cluster and the fine pass should subdivide only there.
	var prices []int64
	for i := 0; i < 500; i++ {
		prices = append(prices, 2_000_000+int64(i)*100)
	}
	counter := &countFunc{fn: densityOf(prices)}
	cfg := config.HeatmapConfig{
		MinPrice:           0,
		MaxPrice:           10_000_000,
		DenseZoneThreshold: 1, // no fixed dense zone; rely on the coarse pass
		DenseZoneStep:      10_000,
		UseTwoPassScan:     true,
		CoarseStep:         1_000_000,
		Concurrency:        4,
	}

	chunks, err := fastScanner(counter, cfg).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	total := 0
	for _, c := range chunks {
		total += c.Count
		if c.Min < 1_000_000 || c.Max > 4_000_000 {
			t.Errorf("chunk [%d, %d) outside the refined dense region", c.Min, c.Max)
		}
	}
	if total != len(prices) {
		t.Errorf("total %d, want %d", total, len(prices))
	}
}
