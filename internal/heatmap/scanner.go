// Package heatmap probes a supplier by price range to build a density
// histogram, then cuts it into balanced partitions for parallel workers.
//
// When max_total_records truncates a scan, the truncated suffix is not
// re-enqueued in the same run; it is picked up by later incremental runs
// because the watermark never moves past data that was not consolidated.
package heatmap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gemdex/internal/config"
	"gemdex/internal/supplier"
)

// Chunk is one observed density cell: count items in [Min, Max) cents.
type Chunk struct {
	Min   int64
	Max   int64
	Count int
}

// Counter is the one supplier capability the scanner needs.
type Counter interface {
	GetCount(ctx context.Context, q supplier.Query) (int, error)
}

// Scanner walks the price axis with adaptive steps, small and fixed inside
// the dense zone, multiplicative above it.
type Scanner struct {
	counter Counter
	base    supplier.Query
	cfg     config.HeatmapConfig

	maxAttempts int
	baseBackoff time.Duration
}

const (
	maxAdaptiveStep    = 50_000
	defaultMaxAttempts = 5
	defaultBaseBackoff = 250 * time.Millisecond
)

func NewScanner(counter Counter, base supplier.Query, cfg config.HeatmapConfig) *Scanner {
	applyTuningDefaults(&cfg)
	return &Scanner{
		counter:     counter,
		base:        base,
		cfg:         cfg,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}
}

func applyTuningDefaults(cfg *config.HeatmapConfig) {
	if cfg.MaxPrice == 0 {
		cfg.MaxPrice = 10_000_000
	}
	if cfg.DenseZoneThreshold == 0 {
		cfg.DenseZoneThreshold = 200_000
	}
	if cfg.DenseZoneStep == 0 {
		cfg.DenseZoneStep = 5_000
	}
	if cfg.InitialStep == 0 {
		cfg.InitialStep = cfg.DenseZoneStep
	}
	if cfg.TargetRecordsPerChunk == 0 {
		cfg.TargetRecordsPerChunk = 500
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MinRecordsPerWorker == 0 {
		cfg.MinRecordsPerWorker = 500
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.CoarseStep == 0 {
		cfg.CoarseStep = 500_000
	}
}

// Scan builds the density histogram over [cfg.MinPrice, cfg.MaxPrice).
// Any count call that exhausts its retries aborts the whole scan; the run
// must not start on a partial histogram.
func (s *Scanner) Scan(ctx context.Context) ([]Chunk, error) {
	if s.cfg.UseTwoPassScan {
		return s.scanTwoPass(ctx)
	}
	return s.scanRange(ctx, s.cfg.MinPrice, s.cfg.MaxPrice)
}

// scanRange is the single-pass adaptive core, also reused by the fine pass
// of the two-pass mode.
func (s *Scanner) scanRange(ctx context.Context, minPrice, maxPrice int64) ([]Chunk, error) {
	var chunks []Chunk
	cursor := minPrice
	step := s.cfg.InitialStep
	calls := 0

	for cursor < maxPrice {
		if cursor < s.cfg.DenseZoneThreshold {
			step = s.cfg.DenseZoneStep
		}

		intervals := s.buildBatch(cursor, step, maxPrice)
		counts, err := s.countBatch(ctx, intervals)
		if err != nil {
			return nil, err
		}
		calls += len(intervals)

		lastCount := 0
		for i, iv := range intervals {
			if counts[i] > 0 {
				chunks = append(chunks, Chunk{Min: iv[0], Max: iv[1], Count: counts[i]})
			}
			lastCount = counts[i]
			cursor = iv[1]
		}

		// Adapt only above the dense zone; the dense zone keeps its fixed
		// small step because cheap stones cluster there.
		if cursor >= s.cfg.DenseZoneThreshold {
			step = s.nextStep(step, lastCount)
		}
	}

	log.Printf("[heatmap] scanned [%d, %d) in %d count calls, %d non-empty chunks",
		minPrice, maxPrice, calls, len(chunks))
	return chunks, nil
}

// buildBatch lays out up to Concurrency adjacent intervals of equal step,
// stopping at maxPrice and not crossing the dense zone boundary so the step
// regime stays uniform inside one batch.
func (s *Scanner) buildBatch(cursor, step, maxPrice int64) [][2]int64 {
	var out [][2]int64
	for len(out) < s.cfg.Concurrency && cursor < maxPrice {
		end := cursor + step
		if end > maxPrice {
			end = maxPrice
		}
		if cursor < s.cfg.DenseZoneThreshold && end > s.cfg.DenseZoneThreshold {
			end = s.cfg.DenseZoneThreshold
		}
		out = append(out, [2]int64{cursor, end})
		cursor = end
		if cursor == s.cfg.DenseZoneThreshold {
			break
		}
	}
	return out
}

// nextStep scales the step toward targetRecordsPerChunk per interval.
func (s *Scanner) nextStep(step int64, observed int) int64 {
	if observed == 0 {
		step *= 5 // zoom past gaps
	} else {
		scaled := float64(step) * float64(s.cfg.TargetRecordsPerChunk) / float64(observed)
		step = int64(scaled)
	}
	min := 2 * s.cfg.DenseZoneStep
	if step < min {
		step = min
	}
	if step > maxAdaptiveStep {
		step = maxAdaptiveStep
	}
	return step
}

// countBatch runs the interval counts with bounded fan-out. Results come
// back in interval order; the first hard failure cancels the rest.
func (s *Scanner) countBatch(ctx context.Context, intervals [][2]int64) ([]int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	counts := make([]int, len(intervals))
	errs := make([]error, len(intervals))

	var wg sync.WaitGroup
	for i, iv := range intervals {
		wg.Add(1)
		go func(i int, lo, hi int64) {
			defer wg.Done()
			n, err := s.countWithRetry(ctx, lo, hi)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			counts[i] = n
		}(i, iv[0], iv[1])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("heatmap count failed, aborting scan: %w", err)
		}
	}
	return counts, nil
}

func (s *Scanner) countWithRetry(ctx context.Context, lo, hi int64) (int, error) {
	q := s.base
	q.PriceMin = lo
	q.PriceMax = hi

	backoff := s.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		n, err := s.counter.GetCount(ctx, q)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !supplier.IsRetryable(err) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, fmt.Errorf("count [%d, %d) exhausted %d attempts: %w", lo, hi, s.maxAttempts, lastErr)
}
