package supplier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gemdex/internal/config"
	"gemdex/internal/models"
)

// REST is a generic JSON catalog adapter: a count endpoint plus a paged
// search endpoint. Supplier-specific field layouts are normalized by the
// wire structs below; anything more exotic gets its own Adapter.
type REST struct {
	meta    Metadata
	baseURL string
	apiKey  string
	client  *http.Client

	// Courtesy limiter for this process only. The fleet-wide budget is the
	// distributed window limiter, enforced before every worker page.
	local *rate.Limiter

	mu         sync.Mutex
	authToken  string
	countCache map[string]int

	maxAttempts int
	baseBackoff time.Duration
}

type restItem struct {
	StoneID    string          `json:"stone_id"`
	OfferID    string          `json:"offer_id"`
	PriceCents int64           `json:"price_cents"`
	UpdatedAt  time.Time       `json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
	Attributes json.RawMessage `json:"attributes"`
}

type restSearchResponse struct {
	Items      []restItem `json:"items"`
	TotalCount int        `json:"total_count"`
}

type restCountResponse struct {
	Count int `json:"count"`
}

func NewREST(feedID string, cfg config.FeedConfig) *REST {
	maxPage := cfg.MaxPageSize
	if maxPage == 0 {
		maxPage = 100
	}
	return &REST{
		meta: Metadata{
			FeedID:        feedID,
			RawTable:      cfg.RawTable,
			WatermarkName: feedID,
			MaxPageSize:   maxPage,
			Heatmap:       cfg.Heatmap,
		},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		local:       rate.NewLimiter(rate.Limit(10), 20),
		countCache:  make(map[string]int),
		maxAttempts: 4,
		baseBackoff: 500 * time.Millisecond,
	}
}

func (r *REST) Metadata() Metadata { return r.meta }

// queryValues converts the flat Query to wire params. The supplier filters on
// inclusive integer bounds, so the half-open upper bound loses one cent here
// and nowhere else.
func (r *REST) queryValues(q Query) url.Values {
	v := url.Values{}
	if q.PriceMax > 0 {
		v.Set("price_min", strconv.FormatInt(q.PriceMin, 10))
		v.Set("price_max", strconv.FormatInt(q.PriceMax-1, 10))
	}
	if !q.UpdatedFrom.IsZero() {
		v.Set("updated_from", q.UpdatedFrom.UTC().Format(time.RFC3339))
	}
	if !q.UpdatedTo.IsZero() {
		v.Set("updated_to", q.UpdatedTo.UTC().Format(time.RFC3339))
	}
	for _, s := range q.Shapes {
		v.Add("shape", s)
	}
	if q.SizeMax > 0 {
		v.Set("size_min", strconv.FormatFloat(q.SizeMin, 'f', 2, 64))
		v.Set("size_max", strconv.FormatFloat(q.SizeMax, 'f', 2, 64))
	}
	return v
}

func classifyStatus(op string, status int) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrKindAuth, Op: op, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: ErrKindRateLimit, Op: op, Err: fmt.Errorf("status %d", status)}
	case status == http.StatusNotFound:
		return &Error{Kind: ErrKindNotFound, Op: op, Err: fmt.Errorf("status %d", status)}
	case status >= 500:
		return &Error{Kind: ErrKindNetwork, Op: op, Err: fmt.Errorf("status %d", status)}
	default:
		return &Error{Kind: ErrKindProtocol, Op: op, Err: fmt.Errorf("status %d", status)}
	}
}

// doJSON issues one authenticated GET and decodes into out, retrying
// retryable failures with exponential backoff + jitter and re-authenticating
// exactly once on an auth failure.
func (r *REST) doJSON(ctx context.Context, op, path string, params url.Values, out interface{}) error {
	reauthed := false
	backoff := r.baseBackoff

	for attempt := 1; ; attempt++ {
		if err := r.local.Wait(ctx); err != nil {
			return err
		}

		err := r.once(ctx, path, params, out)
		if err == nil {
			return nil
		}

		if se, ok := err.(*Error); ok {
			se.Op = op
			if se.Kind == ErrKindAuth && !reauthed {
				reauthed = true
				if aerr := r.authenticate(ctx); aerr != nil {
					return &Error{Kind: ErrKindAuth, Op: op, Err: aerr}
				}
				continue
			}
			if !se.Retryable() || attempt >= r.maxAttempts {
				return se
			}
		} else if attempt >= r.maxAttempts || ctx.Err() != nil {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
}

func (r *REST) once(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := r.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Kind: ErrKindProtocol, Err: err}
	}
	req.Header.Set("User-Agent", "gemdex/1.0")
	r.mu.Lock()
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	} else if r.apiKey != "" {
		req.Header.Set("X-Api-Key", r.apiKey)
	}
	r.mu.Unlock()

	resp, err := r.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrKindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return classifyStatus("", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: ErrKindProtocol, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// authenticate exchanges the API key for a bearer token.
func (r *REST) authenticate(ctx context.Context) error {
	body := fmt.Sprintf(`{"api_key":%q}`, r.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/auth/token", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Body = io.NopCloser(strings.NewReader(body))

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth token status %d", resp.StatusCode)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return err
	}
	r.mu.Lock()
	r.authToken = tok.Token
	r.mu.Unlock()
	return nil
}

func (r *REST) GetCount(ctx context.Context, q Query) (int, error) {
	key := r.queryValues(q).Encode()
	r.mu.Lock()
	if n, ok := r.countCache[key]; ok {
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	var out restCountResponse
	if err := r.doJSON(ctx, "getCount", "/v1/stones/count", r.queryValues(q), &out); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.countCache[key] = out.Count
	r.mu.Unlock()
	return out.Count, nil
}

func (r *REST) Search(ctx context.Context, q Query, offset, limit int, order Order) (Page, error) {
	if order != OrderCreatedAtAsc {
		return Page{}, &Error{Kind: ErrKindProtocol, Op: "search", Err: fmt.Errorf("unsupported order %q", order)}
	}
	limit = ClampLimit(limit, r.meta.MaxPageSize)

	params := r.queryValues(q)
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order", "created_at_asc")

	var out restSearchResponse
	if err := r.doJSON(ctx, "search", "/v1/stones", params, &out); err != nil {
		return Page{}, err
	}

	page := Page{TotalCount: out.TotalCount, Items: make([]Item, 0, len(out.Items))}
	for _, it := range out.Items {
		// Persist the whole wire item so mapping failures can be replayed
		// after a mapper fix without re-crawling.
		raw, err := json.Marshal(it)
		if err != nil {
			return Page{}, &Error{Kind: ErrKindProtocol, Op: "search", Err: err}
		}
		page.Items = append(page.Items, Item{
			SupplierStoneID: it.StoneID,
			OfferID:         it.OfferID,
			Payload:         raw,
			SourceUpdatedAt: it.UpdatedAt,
			CreatedAt:       it.CreatedAt,
			PriceCents:      it.PriceCents,
		})
	}
	return page, nil
}

func (r *REST) MapRawToCanonical(payload []byte) (models.CanonicalFields, error) {
	var it restItem
	if err := json.Unmarshal(payload, &it); err != nil {
		return models.CanonicalFields{}, fmt.Errorf("decode rest payload: %w", err)
	}
	var attrs struct {
		Shape        string  `json:"shape"`
		WeightCarats float64 `json:"weight_carats"`
		Color        string  `json:"color"`
		Clarity      string  `json:"clarity"`
		Cut          string  `json:"cut"`
		Polish       string  `json:"polish"`
		Symmetry     string  `json:"symmetry"`
		Fluorescence string  `json:"fluorescence"`
		Lab          string  `json:"lab"`
		CertNumber   string  `json:"cert_number"`
		Availability string  `json:"availability"`
		ImageURL     string  `json:"image_url"`
		VideoURL     string  `json:"video_url"`
	}
	if len(it.Attributes) > 0 {
		if err := json.Unmarshal(it.Attributes, &attrs); err != nil {
			return models.CanonicalFields{}, fmt.Errorf("decode rest attributes: %w", err)
		}
	}
	if it.StoneID == "" {
		return models.CanonicalFields{}, fmt.Errorf("rest payload missing stone_id")
	}
	availability := attrs.Availability
	if availability == "" {
		availability = "available"
	}
	return models.CanonicalFields{
		SupplierStoneID:    it.StoneID,
		OfferID:            it.OfferID,
		Shape:              attrs.Shape,
		WeightCarats:       attrs.WeightCarats,
		ColorGrade:         attrs.Color,
		ClarityGrade:       attrs.Clarity,
		CutGrade:           attrs.Cut,
		PolishGrade:        attrs.Polish,
		SymmetryGrade:      attrs.Symmetry,
		Fluorescence:       attrs.Fluorescence,
		Lab:                attrs.Lab,
		CertificateNumber:  attrs.CertNumber,
		SupplierPriceCents: it.PriceCents,
		Availability:       availability,
		ImageURL:           attrs.ImageURL,
		VideoURL:           attrs.VideoURL,
		SourceUpdatedAt:    it.UpdatedAt,
	}, nil
}
