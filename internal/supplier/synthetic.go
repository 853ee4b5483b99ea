package supplier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"gemdex/internal/config"
	"gemdex/internal/models"
)

// Synthetic is a deterministic in-memory supplier used by tests and local
// runs. The same seed always yields the same inventory, in stable
// createdAt ASC order.
type Synthetic struct {
	meta  Metadata
	items []Item

	// Optional failure injection for tests.
	FailCounts   int // fail the next N GetCount calls
	FailSearches int // fail the next N Search calls
}

type syntheticPayload struct {
	StoneID         string    `json:"stone_id"`
	OfferID         string    `json:"offer_id"`
	Shape           string    `json:"shape"`
	WeightCarats    float64   `json:"weight_carats"`
	Color           string    `json:"color"`
	Clarity         string    `json:"clarity"`
	Cut             string    `json:"cut"`
	Polish          string    `json:"polish"`
	Symmetry        string    `json:"symmetry"`
	Fluorescence    string    `json:"fluorescence"`
	Lab             string    `json:"lab"`
	CertNumber      string    `json:"cert_number"`
	PriceCents      int64     `json:"price_cents"`
	Availability    string    `json:"availability"`
	ImageURL        string    `json:"image_url"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`
}

var (
	synShapes    = []string{"round", "princess", "cushion", "oval", "emerald", "pear", "marquise"}
	synColors    = []string{"D", "E", "F", "G", "H", "I", "J", "K"}
	synClarities = []string{"FL", "IF", "VVS1", "VVS2", "VS1", "VS2", "SI1", "SI2"}
	synGrades    = []string{"Excellent", "Very Good", "Good", "Fair"}
	synFluor     = []string{"None", "Faint", "Medium", "Strong"}
	synLabs      = []string{"GIA", "IGI", "HRD"}
)

// NewSynthetic builds a seeded inventory of size items. Prices cluster at the
// low end (mirroring real catalogs) with a long tail up to maxPrice.
func NewSynthetic(feedID string, cfg config.FeedConfig) *Synthetic {
	size := cfg.SyntheticSize
	if size == 0 {
		size = 10000
	}
	maxPage := cfg.MaxPageSize
	if maxPage == 0 {
		maxPage = 200
	}
	maxPrice := cfg.Heatmap.MaxPrice
	if maxPrice == 0 {
		maxPrice = 10_000_000 // $100k
	}

	rng := rand.New(rand.NewSource(cfg.SyntheticSeed))
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	items := make([]Item, 0, size)
	for i := 0; i < size; i++ {
		// Squaring the uniform draw skews mass toward low prices.
		u := rng.Float64()
		price := int64(u*u*float64(maxPrice-1)) + 1

		created := base.Add(time.Duration(i) * time.Minute)
		updated := created.Add(time.Duration(rng.Intn(60*24*365)) * time.Minute)

		p := syntheticPayload{
			StoneID:         fmt.Sprintf("%s-stone-%06d", feedID, i),
			OfferID:         fmt.Sprintf("%s-offer-%06d", feedID, i),
			Shape:           synShapes[rng.Intn(len(synShapes))],
			WeightCarats:    0.3 + rng.Float64()*4.7,
			Color:           synColors[rng.Intn(len(synColors))],
			Clarity:         synClarities[rng.Intn(len(synClarities))],
			Cut:             synGrades[rng.Intn(len(synGrades))],
			Polish:          synGrades[rng.Intn(len(synGrades))],
			Symmetry:        synGrades[rng.Intn(len(synGrades))],
			Fluorescence:    synFluor[rng.Intn(len(synFluor))],
			Lab:             synLabs[rng.Intn(len(synLabs))],
			CertNumber:      fmt.Sprintf("%010d", rng.Int63n(9_999_999_999)),
			PriceCents:      price,
			Availability:    "available",
			ImageURL:        fmt.Sprintf("https://img.example.com/%s/%06d.jpg", feedID, i),
			SourceUpdatedAt: updated,
		}
		raw, _ := json.Marshal(p)
		items = append(items, Item{
			SupplierStoneID: p.StoneID,
			OfferID:         p.OfferID,
			Payload:         raw,
			SourceUpdatedAt: updated,
			CreatedAt:       created,
			PriceCents:      price,
		})
	}

	rawTable := cfg.RawTable
	if rawTable == "" {
		rawTable = "raw_synthetic"
	}

	return &Synthetic{
		meta: Metadata{
			FeedID:        feedID,
			RawTable:      rawTable,
			WatermarkName: feedID,
			MaxPageSize:   maxPage,
			Heatmap:       cfg.Heatmap,
		},
		items: items,
	}
}

func (s *Synthetic) Metadata() Metadata { return s.meta }

func (s *Synthetic) matches(it Item, q Query) bool {
	if q.PriceMax > 0 && (it.PriceCents < q.PriceMin || it.PriceCents >= q.PriceMax) {
		return false
	}
	if !q.UpdatedFrom.IsZero() && it.SourceUpdatedAt.Before(q.UpdatedFrom) {
		return false
	}
	if !q.UpdatedTo.IsZero() && !it.SourceUpdatedAt.Before(q.UpdatedTo) {
		return false
	}
	if len(q.Shapes) > 0 {
		var p syntheticPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return false
		}
		ok := false
		for _, sh := range q.Shapes {
			if sh == p.Shape {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *Synthetic) filtered(q Query) []Item {
	out := make([]Item, 0)
	for _, it := range s.items {
		if s.matches(it, q) {
			out = append(out, it)
		}
	}
	// Generation order is already createdAt ASC, but keep the sort as the
	// ordering contract rather than a generator detail.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Synthetic) GetCount(ctx context.Context, q Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailCounts > 0 {
		s.FailCounts--
		return 0, &Error{Kind: ErrKindNetwork, Op: "getCount", Err: fmt.Errorf("injected failure")}
	}
	return len(s.filtered(q)), nil
}

func (s *Synthetic) Search(ctx context.Context, q Query, offset, limit int, order Order) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if s.FailSearches > 0 {
		s.FailSearches--
		return Page{}, &Error{Kind: ErrKindNetwork, Op: "search", Err: fmt.Errorf("injected failure")}
	}
	if order != OrderCreatedAtAsc {
		return Page{}, &Error{Kind: ErrKindProtocol, Op: "search", Err: fmt.Errorf("unsupported order %q", order)}
	}
	limit = ClampLimit(limit, s.meta.MaxPageSize)

	all := s.filtered(q)
	if offset >= len(all) {
		return Page{Items: nil, TotalCount: len(all)}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return Page{Items: all[offset:end], TotalCount: len(all)}, nil
}

func (s *Synthetic) MapRawToCanonical(payload []byte) (models.CanonicalFields, error) {
	var p syntheticPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.CanonicalFields{}, fmt.Errorf("decode synthetic payload: %w", err)
	}
	return models.CanonicalFields{
		SupplierStoneID:    p.StoneID,
		OfferID:            p.OfferID,
		Shape:              p.Shape,
		WeightCarats:       p.WeightCarats,
		ColorGrade:         p.Color,
		ClarityGrade:       p.Clarity,
		CutGrade:           p.Cut,
		PolishGrade:        p.Polish,
		SymmetryGrade:      p.Symmetry,
		Fluorescence:       p.Fluorescence,
		Lab:                p.Lab,
		CertificateNumber:  p.CertNumber,
		SupplierPriceCents: p.PriceCents,
		Availability:       p.Availability,
		ImageURL:           p.ImageURL,
		SourceUpdatedAt:    p.SourceUpdatedAt,
	}, nil
}
