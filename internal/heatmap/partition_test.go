package heatmap

import (
	"testing"

	"gemdex/internal/config"
)

func TestBuildPartitionsEmptyHistogram(t *testing.T) {
	if parts := BuildPartitions(nil, config.HeatmapConfig{}); parts != nil {
		t.Errorf("empty histogram should yield no partitions, got %d", len(parts))
	}
}

func TestBuildPartitionsSingleSmallChunk(t *testing.T) {
	chunks := []Chunk{{Min: 0, Max: 10_000, Count: 42}}
	parts := BuildPartitions(chunks, config.HeatmapConfig{MinRecordsPerWorker: 500, MaxWorkers: 10})

	if len(parts) != 1 {
		t.Fatalf("got %d partitions, want 1", len(parts))
	}
	p := parts[0]
	if p.PriceMin != 0 || p.PriceMax != 10_000 || p.EstimatedCount != 42 {
		t.Errorf("partition %+v does not cover the single chunk", p)
	}
	if p.ID != "partition-0" {
		t.Errorf("ID = %q, want partition-0", p.ID)
	}
}

func TestBuildPartitionsBalancedSplit(t *testing.T) {
	// 10 chunks of 100 each, target ~2 workers at 500 records per worker.
	var chunks []Chunk
	for i := 0; i < 10; i++ {
		lo := int64(i) * 10_000
		chunks = append(chunks, Chunk{Min: lo, Max: lo + 10_000, Count: 100})
	}
	parts := BuildPartitions(chunks, config.HeatmapConfig{MinRecordsPerWorker: 500, MaxWorkers: 10})

	if len(parts) != 2 {
		t.Fatalf("got %d partitions, want 2", len(parts))
	}
	total := 0
	for i, p := range parts {
		total += p.EstimatedCount
		if i > 0 && p.PriceMin != parts[i-1].PriceMax {
			t.Errorf("partition %d starts at %d, previous ends at %d", i, p.PriceMin, parts[i-1].PriceMax)
		}
	}
	if total != 1000 {
		t.Errorf("estimated counts sum to %d, want 1000", total)
	}
	if parts[0].PriceMin != 0 || parts[len(parts)-1].PriceMax != 100_000 {
		t.Errorf("partitions cover [%d, %d), want [0, 100000)", parts[0].PriceMin, parts[len(parts)-1].PriceMax)
	}
}

func TestBuildPartitionsContiguousAcrossGaps(t *testing.T) {
	// A price gap between 20k and 500k; partitions must still tile the axis.
	chunks := []Chunk{
		{Min: 0, Max: 10_000, Count: 600},
		{Min: 10_000, Max: 20_000, Count: 600},
		{Min: 500_000, Max: 510_000, Count: 600},
	}
	parts := BuildPartitions(chunks, config.HeatmapConfig{MinRecordsPerWorker: 600, MaxWorkers: 10})

	if len(parts) < 2 {
		t.Fatalf("got %d partitions, want at least 2", len(parts))
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PriceMin != parts[i-1].PriceMax {
			t.Errorf("gap between partition %d (ends %d) and %d (starts %d)",
				i-1, parts[i-1].PriceMax, i, parts[i].PriceMin)
		}
	}
}

func TestBuildPartitionsRespectsMaxWorkers(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 100; i++ {
		lo := int64(i) * 1_000
		chunks = append(chunks, Chunk{Min: lo, Max: lo + 1_000, Count: 1_000})
	}
	parts := BuildPartitions(chunks, config.HeatmapConfig{MinRecordsPerWorker: 100, MaxWorkers: 8})

	if len(parts) > 8 {
		t.Errorf("got %d partitions, max_workers is 8", len(parts))
	}
}

func TestBuildPartitionsFlattensOversizedChunk(t *testing.T) {
	// One chunk holds nearly everything; it must be split internally so the
	// sweep can cut inside its price range.
	chunks := []Chunk{
		{Min: 0, Max: 10_000, Count: 50},
		{Min: 10_000, Max: 110_000, Count: 5_000},
		{Min: 110_000, Max: 120_000, Count: 50},
	}
	parts := BuildPartitions(chunks, config.HeatmapConfig{MinRecordsPerWorker: 500, MaxWorkers: 10})

	if len(parts) < 2 {
		t.Fatalf("got %d partitions, the oversized chunk should have been split", len(parts))
	}
	total := 0
	for _, p := range parts {
		total += p.EstimatedCount
	}
	if total != 5_100 {
		t.Errorf("estimated counts sum to %d, want 5100", total)
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PriceMin != parts[i-1].PriceMax {
			t.Errorf("partitions %d and %d not contiguous", i-1, i)
		}
	}
}

func TestBuildPartitionsTruncatesAtMaxTotalRecords(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 10; i++ {
		lo := int64(i) * 10_000
		chunks = append(chunks, Chunk{Min: lo, Max: lo + 10_000, Count: 1_000})
	}
	cfg := config.HeatmapConfig{MinRecordsPerWorker: 1_000, MaxWorkers: 10, MaxTotalRecords: 3_500}
	parts := BuildPartitions(chunks, cfg)

	total := 0
	for _, p := range parts {
		total += p.EstimatedCount
	}
	if total != 3_500 {
		t.Errorf("estimated counts sum to %d, want the 3500 cap", total)
	}
	// The truncated suffix must not be covered by any partition.
	if last := parts[len(parts)-1].PriceMax; last > 40_000 {
		t.Errorf("partitions extend to %d, past the truncation boundary", last)
	}
}

func TestBuildPartitionsDeterministic(t *testing.T) {
	chunks := []Chunk{
		{Min: 0, Max: 5_000, Count: 300},
		{Min: 5_000, Max: 10_000, Count: 700},
		{Min: 10_000, Max: 50_000, Count: 1_200},
	}
	cfg := config.HeatmapConfig{MinRecordsPerWorker: 400, MaxWorkers: 6}

	a := BuildPartitions(chunks, cfg)
	b := BuildPartitions(chunks, cfg)
	if len(a) != len(b) {
		t.Fatalf("partition counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("partition %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}
