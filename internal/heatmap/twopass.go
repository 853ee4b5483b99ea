package heatmap

import (
	"context"
	"log"
)

// denseRegion is a contiguous stretch of non-empty coarse cells.
type denseRegion struct {
	lo, hi int64
}

// scanTwoPass first sweeps the whole range with large fixed steps to find
// where inventory lives at all, refines each region boundary by binary
// search, then runs the adaptive fine scan only inside the refined regions.
// Worth it for suppliers with sparse, widely separated price clusters.
func (s *Scanner) scanTwoPass(ctx context.Context) ([]Chunk, error) {
	regions, err := s.coarseRegions(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("[heatmap] coarse pass found %d dense region(s)", len(regions))

	var chunks []Chunk
	for _, reg := range regions {
		lo, err := s.refineLowerBound(ctx, reg.lo, reg.hi)
		if err != nil {
			return nil, err
		}
		hi, err := s.refineUpperBound(ctx, lo, reg.hi)
		if err != nil {
			return nil, err
		}
		fine, err := s.scanRange(ctx, lo, hi)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, fine...)
	}
	return chunks, nil
}

// coarseRegions sweeps [MinPrice, MaxPrice) in CoarseStep cells and merges
// adjacent non-empty cells into regions.
func (s *Scanner) coarseRegions(ctx context.Context) ([]denseRegion, error) {
	var regions []denseRegion
	cursor := s.cfg.MinPrice

	for cursor < s.cfg.MaxPrice {
		var intervals [][2]int64
		for len(intervals) < s.cfg.Concurrency && cursor < s.cfg.MaxPrice {
			end := cursor + s.cfg.CoarseStep
			if end > s.cfg.MaxPrice {
				end = s.cfg.MaxPrice
			}
			intervals = append(intervals, [2]int64{cursor, end})
			cursor = end
		}
		counts, err := s.countBatch(ctx, intervals)
		if err != nil {
			return nil, err
		}
		for i, iv := range intervals {
			if counts[i] == 0 {
				continue
			}
			if len(regions) > 0 && regions[len(regions)-1].hi == iv[0] {
				regions[len(regions)-1].hi = iv[1]
			} else {
				regions = append(regions, denseRegion{lo: iv[0], hi: iv[1]})
			}
		}
	}
	return regions, nil
}

// refineLowerBound narrows the region start to DenseZoneStep precision:
// the invariant is that [lo, hi) is non-empty and [regionLo, lo) is empty.
func (s *Scanner) refineLowerBound(ctx context.Context, lo, hi int64) (int64, error) {
	left, right := lo, hi
	for right-left > s.cfg.DenseZoneStep {
		mid := left + (right-left)/2
		n, err := s.countWithRetry(ctx, left, mid)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			right = mid
		} else {
			left = mid
		}
	}
	// Everything below left is known empty; the first item sits in
	// [left, right).
	return left, nil
}

// refineUpperBound mirrors refineLowerBound for the region end.
func (s *Scanner) refineUpperBound(ctx context.Context, lo, hi int64) (int64, error) {
	left, right := lo, hi
	for right-left > s.cfg.DenseZoneStep {
		mid := left + (right-left)/2
		n, err := s.countWithRetry(ctx, mid, right)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			left = mid
		} else {
			right = mid
		}
	}
	return right, nil
}
