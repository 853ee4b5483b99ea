// Package scheduler turns a (feed, runType) trigger into a run record plus
// one initial work message per partition. It never consumes the work queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gemdex/internal/config"
	"gemdex/internal/heatmap"
	"gemdex/internal/models"
	"gemdex/internal/notify"
	"gemdex/internal/queue"
	"gemdex/internal/supplier"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	CreateRun(ctx context.Context, run models.Run) error
	MarkRunCompleted(ctx context.Context, runID string) error
	LogError(ctx context.Context, component, runID, partitionID, message string, detail []byte) error
}

// WatermarkStore reads and writes per-feed watermarks.
type WatermarkStore interface {
	Load(ctx context.Context, feedID string) (*models.Watermark, error)
	Save(ctx context.Context, wm models.Watermark) error
}

type Scheduler struct {
	cfg      *config.Config
	registry *supplier.Registry
	store    Store
	marks    WatermarkStore
	q        queue.Queue
	notifier notify.Notifier

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg *config.Config, registry *supplier.Registry, store Store, marks WatermarkStore, q queue.Queue, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		store:    store,
		marks:    marks,
		q:        q,
		notifier: notifier,
		now:      time.Now,
	}
}

// Window computes the ingestion time window for a run. Full runs start at
// the configured epoch; incremental runs rewind the watermark by the safety
// buffer so late supplier updates near the boundary are re-covered. A feed
// with no watermark falls back to a full window.
func (s *Scheduler) Window(ctx context.Context, feedID string, runType models.RunType) (from, to time.Time, err error) {
	to = s.now().UTC()
	if runType == models.RunTypeFull {
		return s.cfg.FullRunStart(), to, nil
	}
	wm, err := s.marks.Load(ctx, feedID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	if wm == nil {
		return s.cfg.FullRunStart(), to, nil
	}
	return wm.LastUpdatedAt.Add(-s.cfg.SafetyBuffer()), to, nil
}

// Trigger creates and fans out one run. Any failure before messages are
// enqueued aborts the run cleanly; a partial enqueue afterwards is tolerated
// because workers are idempotent.
func (s *Scheduler) Trigger(ctx context.Context, feedID string, runType models.RunType, force bool) (*models.Run, error) {
	adapter, err := s.registry.Get(feedID)
	if err != nil {
		return nil, err
	}
	meta := adapter.Metadata()

	updatedFrom, updatedTo, err := s.Window(ctx, feedID, runType)
	if err != nil {
		return nil, err
	}

	base := supplier.Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}
	log.Printf("[scheduler] feed=%s type=%s window=[%s, %s)", feedID, runType,
		updatedFrom.Format(time.RFC3339), updatedTo.Format(time.RFC3339))

	scanner := heatmap.NewScanner(adapter, base, meta.Heatmap)
	chunks, err := scanner.Scan(ctx)
	if err != nil {
		s.logError(ctx, "", fmt.Sprintf("heatmap scan failed: %v", err))
		return nil, fmt.Errorf("heatmap scan: %w", err)
	}
	partitions := heatmap.BuildPartitions(chunks, meta.Heatmap)

	run := models.Run{
		RunID:            uuid.NewString(),
		FeedID:           feedID,
		RunType:          runType,
		ExpectedWorkers:  len(partitions),
		ForceConsolidate: force,
		UpdatedFrom:      updatedFrom,
		UpdatedTo:        updatedTo,
		StartedAt:        s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if len(partitions) == 0 {
		// Nothing matched the window. Record a completed run and advance
		// the watermark directly; there is nothing to consolidate.
		if err := s.store.MarkRunCompleted(ctx, run.RunID); err != nil {
			return nil, err
		}
		if err := s.marks.Save(ctx, models.Watermark{
			FeedID:             feedID,
			LastUpdatedAt:      updatedTo,
			LastRunID:          run.RunID,
			LastRunCompletedAt: s.now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("save watermark for empty run: %w", err)
		}
		s.notifier.Notify(ctx, notify.Event{
			Kind: "run_completed", FeedID: feedID, RunID: run.RunID,
			Message: "no inventory in window",
		})
		log.Printf("[scheduler] feed=%s run=%s: empty window, completed immediately", feedID, run.RunID)
		return &run, nil
	}

	pageSize := supplier.ClampLimit(s.cfg.WorkerPageSize, meta.MaxPageSize)
	traceID := uuid.NewString()
	for _, p := range partitions {
		msg := models.WorkMessage{
			RunID:       run.RunID,
			TraceID:     traceID,
			FeedID:      feedID,
			PartitionID: p.ID,
			PriceMin:    p.PriceMin,
			PriceMax:    p.PriceMax,
			UpdatedFrom: updatedFrom,
			UpdatedTo:   updatedTo,
			Offset:      0,
			Limit:       pageSize,
			Force:       force,
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		if err := s.q.Send(ctx, queue.WorkItems, body); err != nil {
			// Workers already enqueued stay valid; the run will surface as
			// partial if the rest never arrive.
			s.logError(ctx, run.RunID, fmt.Sprintf("enqueue %s: %v", p.ID, err))
			return nil, fmt.Errorf("enqueue partition %s: %w", p.ID, err)
		}
	}

	log.Printf("[scheduler] feed=%s run=%s: %d partition(s) enqueued", feedID, run.RunID, len(partitions))
	return &run, nil
}

func (s *Scheduler) logError(ctx context.Context, runID, msg string) {
	if err := s.store.LogError(ctx, "scheduler", runID, "", msg, nil); err != nil {
		log.Printf("[scheduler] log error: %v", err)
	}
}
