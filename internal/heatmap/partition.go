package heatmap

import (
	"fmt"

	"gemdex/internal/config"
	"gemdex/internal/models"
)

// flattenFactor: a chunk larger than this multiple of the per-worker target
// is split into equal-width sub-chunks so the greedy sweep can cut inside it.
const flattenFactor = 1.5

// BuildPartitions cuts the histogram into partitions of approximately
// targetPerWorker records each. Deterministic: same chunks and tuning always
// yield the same partitions.
//
// Invariants: partitions cover [firstChunkMin, lastChunkMax) with no gap and
// no overlap, their estimated counts sum to the (possibly capped) total, and
// the partition count is the authoritative worker count for the run.
func BuildPartitions(chunks []Chunk, cfg config.HeatmapConfig) []models.Partition {
	applyTuningDefaults(&cfg)
	if len(chunks) == 0 {
		return nil
	}

	total := 0
	for _, c := range chunks {
		total += c.Count
	}
	if cfg.MaxTotalRecords > 0 && total > cfg.MaxTotalRecords {
		chunks = truncateChunks(chunks, cfg.MaxTotalRecords)
		total = cfg.MaxTotalRecords
	}
	if total == 0 {
		return nil
	}

	desired := (total + cfg.MinRecordsPerWorker - 1) / cfg.MinRecordsPerWorker
	if desired < 1 {
		desired = 1
	}
	if desired > cfg.MaxWorkers {
		desired = cfg.MaxWorkers
	}
	target := (total + desired - 1) / desired

	chunks = flattenOversized(chunks, target)

	var parts []models.Partition
	cur := models.Partition{PriceMin: chunks[0].Min}
	running := 0

	for i, c := range chunks {
		running += c.Count
		last := i == len(chunks)-1

		if last {
			cur.PriceMax = c.Max
			cur.EstimatedCount = running
			parts = append(parts, cur)
			break
		}
		if running >= target && len(parts) < desired-1 {
			// Close at the next chunk's lower bound so consecutive
			// partitions stay contiguous across empty price gaps.
			cur.PriceMax = chunks[i+1].Min
			cur.EstimatedCount = running
			parts = append(parts, cur)
			cur = models.Partition{PriceMin: chunks[i+1].Min}
			running = 0
		}
	}

	for i := range parts {
		parts[i].ID = fmt.Sprintf("partition-%d", i)
	}
	return parts
}

// truncateChunks trims the histogram to at most limit records, cutting the
// boundary chunk's count and dropping the suffix. The dropped records are
// covered by subsequent incremental runs.
func truncateChunks(chunks []Chunk, limit int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	remaining := limit
	for _, c := range chunks {
		if remaining <= 0 {
			break
		}
		if c.Count > remaining {
			c.Count = remaining
		}
		out = append(out, c)
		remaining -= c.Count
	}
	return out
}

// flattenOversized splits any chunk above flattenFactor*target into K
// sub-chunks of equal price width and floor-equal counts; the last sub-chunk
// absorbs both remainders.
func flattenOversized(chunks []Chunk, target int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if float64(c.Count) <= flattenFactor*float64(target) {
			out = append(out, c)
			continue
		}
		k := c.Count / target
		if c.Count%target != 0 {
			k++
		}
		width := (c.Max - c.Min) / int64(k)
		if width < 1 {
			width = 1
			k = int(c.Max - c.Min)
			if k < 1 {
				k = 1
			}
		}
		per := c.Count / k
		lo := c.Min
		used := 0
		for i := 0; i < k; i++ {
			hi := lo + width
			cnt := per
			if i == k-1 {
				hi = c.Max
				cnt = c.Count - used
			}
			out = append(out, Chunk{Min: lo, Max: hi, Count: cnt})
			used += cnt
			lo = hi
		}
	}
	return out
}
