// Package blobstore persists per-feed watermarks as single JSON blobs in the
// "watermarks" container. Writes are full-object overwrites.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gemdex/internal/models"
)

// Container holding one blob per feed, named <feed>.json.
const Container = "watermarks"

// ErrNotFound is returned for a feed that has never been consolidated.
var ErrNotFound = errors.New("blobstore: object not found")

// Store is an overwrite-only object store.
type Store interface {
	Put(ctx context.Context, container, name string, data []byte) error
	Get(ctx context.Context, container, name string) ([]byte, error)
	Delete(ctx context.Context, container, name string) error
}

// Watermarks wraps a Store with the watermark codec.
type Watermarks struct {
	store Store
}

func NewWatermarks(store Store) *Watermarks {
	return &Watermarks{store: store}
}

func blobName(feedID string) string {
	return feedID + ".json"
}

// Load returns (nil, nil) for a feed with no watermark yet; the scheduler
// falls back to a full window in that case.
func (w *Watermarks) Load(ctx context.Context, feedID string) (*models.Watermark, error) {
	data, err := w.store.Get(ctx, Container, blobName(feedID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode watermark %s: %w", feedID, err)
	}
	return &wm, nil
}

func (w *Watermarks) Save(ctx context.Context, wm models.Watermark) error {
	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return err
	}
	return w.store.Put(ctx, Container, blobName(wm.FeedID), data)
}

func (w *Watermarks) Delete(ctx context.Context, feedID string) error {
	return w.store.Delete(ctx, Container, blobName(feedID))
}
