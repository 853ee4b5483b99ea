// Package worker consumes work-items messages and lands exactly one supplier
// page per message. Continuation is explicit: a successful page enqueues its
// own successor, and every state transition goes through a database
// compare-and-swap so duplicate deliveries collapse to no-ops.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"gemdex/internal/config"
	"gemdex/internal/eventbus"
	"gemdex/internal/models"
	"gemdex/internal/notify"
	"gemdex/internal/queue"
	"gemdex/internal/ratelimit"
	"gemdex/internal/supplier"
)

const (
	searchMaxAttempts = 3
	searchBaseBackoff = 500 * time.Millisecond

	// maxDeliveries bounds queue redelivery of one message. Past it the
	// message is parked (logged, notified, acked) instead of cycling forever
	// on a fault that will never clear.
	maxDeliveries = 5
)

// Store is the slice of the repository the worker needs.
type Store interface {
	EnsureWorkerRun(ctx context.Context, runID, partitionID, workerID string) error
	FinishWorkerRun(ctx context.Context, runID, partitionID, status string, records int) error
	GetOrCreateProgress(ctx context.Context, runID, partitionID string) (models.PartitionProgress, error)
	AdvanceOffset(ctx context.Context, runID, partitionID string, oldOffset, newOffset int) (bool, error)
	CompletePartition(ctx context.Context, runID, partitionID string, offset int) (bool, error)
	MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error)
	IncrementCompletedWorkers(ctx context.Context, runID string) (completed, failed, expected int, err error)
	IncrementFailedWorkers(ctx context.Context, runID string) (completed, failed, expected int, err error)
	UpsertRawRecords(ctx context.Context, rawTable string, records []models.RawRecord) error
	LogError(ctx context.Context, component, runID, partitionID, message string, detail []byte) error
}

// Limiter is the shared per-feed request budget.
type Limiter interface {
	Acquire(ctx context.Context, feedID string) error
}

type Worker struct {
	id       string
	cfg      *config.Config
	registry *supplier.Registry
	store    Store
	q        queue.Queue
	limiters map[string]Limiter
	notifier notify.Notifier
	bus      *eventbus.Bus
}

func New(cfg *config.Config, registry *supplier.Registry, store Store, q queue.Queue, limiters map[string]Limiter, notifier notify.Notifier, bus *eventbus.Bus) *Worker {
	return &Worker{
		id:       "worker-" + uuid.NewString()[:8],
		cfg:      cfg,
		registry: registry,
		store:    store,
		q:        q,
		limiters: limiters,
		notifier: notifier,
		bus:      bus,
	}
}

// Run consumes the work-items queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker] %s: started", w.id)
	for {
		if ctx.Err() != nil {
			log.Printf("[worker] %s: stopping", w.id)
			return
		}
		msg, err := w.q.Receive(ctx, queue.WorkItems, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker] %s: receive: %v", w.id, err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	var wm models.WorkMessage
	if err := json.Unmarshal(msg.Body, &wm); err != nil {
		// Poison message. Ack so it does not cycle forever.
		log.Printf("[worker] %s: undecodable message %s: %v", w.id, msg.ID, err)
		w.logError(ctx, "", "", fmt.Sprintf("undecodable work message: %v", err), msg.Body)
		w.ack(ctx, msg)
		return
	}

	if msg.ReceiveCount > maxDeliveries {
		log.Printf("[worker] %s: run=%s partition=%s offset=%d: parked after %d deliveries",
			w.id, wm.RunID, wm.PartitionID, wm.Offset, msg.ReceiveCount)
		w.logError(ctx, wm.RunID, wm.PartitionID,
			fmt.Sprintf("work message parked after %d deliveries", msg.ReceiveCount), msg.Body)
		if w.notifier != nil {
			w.notifier.Notify(ctx, notify.Event{
				Kind: "work_item_parked", FeedID: wm.FeedID, RunID: wm.RunID,
				Message: fmt.Sprintf("partition %s offset %d parked after %d deliveries",
					wm.PartitionID, wm.Offset, msg.ReceiveCount),
			})
		}
		w.ack(ctx, msg)
		return
	}

	redeliver, err := w.ProcessPage(ctx, wm)
	if err != nil && redeliver {
		log.Printf("[worker] %s: run=%s partition=%s offset=%d: transient: %v, nacking",
			w.id, wm.RunID, wm.PartitionID, wm.Offset, err)
		if nerr := w.q.Nack(ctx, queue.WorkItems, msg); nerr != nil {
			log.Printf("[worker] %s: nack: %v", w.id, nerr)
		}
		return
	}
	if err != nil {
		log.Printf("[worker] %s: run=%s partition=%s offset=%d: %v",
			w.id, wm.RunID, wm.PartitionID, wm.Offset, err)
	}
	w.ack(ctx, msg)
}

// ProcessPage executes one page of one partition. The returned bool asks for
// queue redelivery; it is only true for infrastructure faults where retrying
// the same message may succeed (limiter starvation, DB hiccups before any
// state moved). Supplier failures after retries go down the terminal
// failure path instead.
func (w *Worker) ProcessPage(ctx context.Context, wm models.WorkMessage) (redeliver bool, err error) {
	adapter, err := w.registry.Get(wm.FeedID)
	if err != nil {
		w.logError(ctx, wm.RunID, wm.PartitionID, err.Error(), nil)
		return false, err
	}
	meta := adapter.Metadata()

	if err := w.store.EnsureWorkerRun(ctx, wm.RunID, wm.PartitionID, w.id); err != nil {
		return true, fmt.Errorf("ensure worker run: %w", err)
	}

	progress, err := w.store.GetOrCreateProgress(ctx, wm.RunID, wm.PartitionID)
	if err != nil {
		return true, fmt.Errorf("load progress: %w", err)
	}
	if progress.Terminal() {
		return false, nil
	}
	if progress.NextOffset != wm.Offset {
		// Stale duplicate: some delivery of this offset already advanced the
		// partition. Dropping it is the idempotency contract.
		log.Printf("[worker] %s: run=%s partition=%s: stale offset %d (next is %d), dropping",
			w.id, wm.RunID, wm.PartitionID, wm.Offset, progress.NextOffset)
		return false, nil
	}

	if lim, ok := w.limiters[wm.FeedID]; ok {
		if err := lim.Acquire(ctx, wm.FeedID); err != nil {
			if errors.Is(err, ratelimit.ErrWaitTimeout) {
				return true, err
			}
			return true, fmt.Errorf("rate limiter: %w", err)
		}
	}

	q := supplier.Query{
		PriceMin:    wm.PriceMin,
		PriceMax:    wm.PriceMax,
		UpdatedFrom: wm.UpdatedFrom,
		UpdatedTo:   wm.UpdatedTo,
		Shapes:      wm.Shapes,
		SizeMin:     wm.SizeMin,
		SizeMax:     wm.SizeMax,
	}
	limit := supplier.ClampLimit(wm.Limit, meta.MaxPageSize)

	page, err := w.searchWithRetry(ctx, adapter, q, wm.Offset, limit)
	if err != nil {
		return false, w.failPartition(ctx, wm, fmt.Sprintf("search offset=%d: %v", wm.Offset, err))
	}

	records := make([]models.RawRecord, 0, len(page.Items))
	for _, item := range page.Items {
		records = append(records, models.RawRecord{
			SupplierStoneID: item.SupplierStoneID,
			OfferID:         item.OfferID,
			RunID:           wm.RunID,
			FeedID:          wm.FeedID,
			Payload:         json.RawMessage(item.Payload),
			PayloadHash:     PayloadHash(item.Payload),
			SourceUpdatedAt: item.SourceUpdatedAt,
		})
	}
	if err := w.store.UpsertRawRecords(ctx, meta.RawTable, records); err != nil {
		// Nothing advanced yet; the upsert is idempotent, so redeliver.
		return true, fmt.Errorf("upsert raw: %w", err)
	}

	lastPage := len(page.Items) < limit || wm.Offset+len(page.Items) >= page.TotalCount
	if lastPage {
		return false, w.completePartition(ctx, wm, len(page.Items))
	}

	nextOffset := wm.Offset + limit
	won, err := w.store.AdvanceOffset(ctx, wm.RunID, wm.PartitionID, wm.Offset, nextOffset)
	if err != nil {
		return true, fmt.Errorf("advance offset: %w", err)
	}
	if !won {
		// A duplicate delivery of this page advanced first and already owns
		// the successor.
		return false, nil
	}

	succ := wm
	succ.Offset = nextOffset
	body, err := json.Marshal(succ)
	if err != nil {
		return false, err
	}
	if err := w.q.Send(ctx, queue.WorkItems, body); err != nil {
		// Offset already moved; redelivery of this message is now a stale
		// no-op, so the continuation is lost until the next run. Log loudly.
		w.logError(ctx, wm.RunID, wm.PartitionID,
			fmt.Sprintf("enqueue successor offset=%d: %v", nextOffset, err), nil)
		return false, fmt.Errorf("enqueue successor: %w", err)
	}
	return false, nil
}

func (w *Worker) searchWithRetry(ctx context.Context, adapter supplier.Adapter, q supplier.Query, offset, limit int) (supplier.Page, error) {
	var lastErr error
	for attempt := 0; attempt < searchMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := searchBaseBackoff << (attempt - 1)
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return supplier.Page{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		page, err := adapter.Search(ctx, q, offset, limit, supplier.OrderCreatedAtAsc)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !supplier.IsRetryable(err) {
			return supplier.Page{}, err
		}
	}
	return supplier.Page{}, fmt.Errorf("after %d attempts: %w", searchMaxAttempts, lastErr)
}

// completePartition terminally completes the partition and, when this is the
// run's last outstanding partition, emits the consolidate message. The CAS
// guarantees only one delivery increments the counter, and the post-increment
// counts guarantee exactly one worker observes the last-worker transition.
func (w *Worker) completePartition(ctx context.Context, wm models.WorkMessage, records int) error {
	won, err := w.store.CompletePartition(ctx, wm.RunID, wm.PartitionID, wm.Offset)
	if err != nil {
		return fmt.Errorf("complete partition: %w", err)
	}
	if !won {
		return nil
	}

	if err := w.store.FinishWorkerRun(ctx, wm.RunID, wm.PartitionID, "completed", records); err != nil {
		log.Printf("[worker] %s: finish worker run: %v", w.id, err)
	}
	w.emitDone(ctx, wm, records, "completed", "")

	completed, failed, expected, err := w.store.IncrementCompletedWorkers(ctx, wm.RunID)
	if err != nil {
		return fmt.Errorf("increment completed: %w", err)
	}
	log.Printf("[worker] %s: run=%s partition=%s completed (%d+%d of %d)",
		w.id, wm.RunID, wm.PartitionID, completed, failed, expected)
	if completed+failed == expected {
		return w.finishRun(ctx, wm, completed, failed, expected)
	}
	return nil
}

// finishRun is reached by exactly one worker: the one whose counter increment
// made the run's last outstanding partition terminal. A clean run hands off to
// the consolidator; a run with failures is notified as partial and only hands
// off when force is set, so the watermark cannot advance past holes.
func (w *Worker) finishRun(ctx context.Context, wm models.WorkMessage, completed, failed, expected int) error {
	if failed == 0 {
		return w.emitConsolidate(ctx, wm)
	}

	if w.notifier != nil {
		w.notifier.Notify(ctx, notify.Event{
			Kind: "run_partial", FeedID: wm.FeedID, RunID: wm.RunID,
			Message: fmt.Sprintf("%d of %d partitions failed", failed, expected),
		})
	}
	if wm.Force {
		log.Printf("[worker] %s: run=%s: %d failed partition(s), consolidating anyway (force)",
			w.id, wm.RunID, failed)
		return w.emitConsolidate(ctx, wm)
	}
	log.Printf("[worker] %s: run=%s: %d of %d partitions failed, not consolidating",
		w.id, wm.RunID, failed, expected)
	return nil
}

// failPartition is the terminal failure path: flip the partition to failed,
// count it once, and finish the run when this was the last outstanding
// partition.
func (w *Worker) failPartition(ctx context.Context, wm models.WorkMessage, reason string) error {
	w.logError(ctx, wm.RunID, wm.PartitionID, reason, nil)

	first, err := w.store.MarkPartitionFailed(ctx, wm.RunID, wm.PartitionID)
	if err != nil {
		return fmt.Errorf("mark partition failed: %w", err)
	}
	if !first {
		return fmt.Errorf("partition failed: %s", reason)
	}

	if err := w.store.FinishWorkerRun(ctx, wm.RunID, wm.PartitionID, "failed", 0); err != nil {
		log.Printf("[worker] %s: finish worker run: %v", w.id, err)
	}
	w.emitDone(ctx, wm, 0, "failed", reason)

	completed, failed, expected, err := w.store.IncrementFailedWorkers(ctx, wm.RunID)
	if err != nil {
		return fmt.Errorf("increment failed: %w", err)
	}
	log.Printf("[worker] %s: run=%s partition=%s FAILED (%d+%d of %d): %s",
		w.id, wm.RunID, wm.PartitionID, completed, failed, expected, reason)
	if completed+failed == expected {
		if err := w.finishRun(ctx, wm, completed, failed, expected); err != nil {
			return err
		}
	}
	return fmt.Errorf("partition failed: %s", reason)
}

func (w *Worker) emitConsolidate(ctx context.Context, wm models.WorkMessage) error {
	cm := models.ConsolidateMessage{
		RunID:     wm.RunID,
		FeedID:    wm.FeedID,
		TraceID:   wm.TraceID,
		UpdatedTo: wm.UpdatedTo,
		Force:     wm.Force,
	}
	body, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	if err := w.q.Send(ctx, queue.Consolidate, body); err != nil {
		w.logError(ctx, wm.RunID, "", fmt.Sprintf("enqueue consolidate: %v", err), nil)
		return fmt.Errorf("enqueue consolidate: %w", err)
	}
	log.Printf("[worker] %s: run=%s: all partitions finished, consolidation enqueued", w.id, wm.RunID)
	return nil
}

func (w *Worker) emitDone(ctx context.Context, wm models.WorkMessage, records int, status, errMsg string) {
	dm := models.WorkDoneMessage{
		RunID:            wm.RunID,
		PartitionID:      wm.PartitionID,
		WorkerID:         w.id,
		RecordsProcessed: records,
		Status:           status,
		Error:            errMsg,
	}
	if body, err := json.Marshal(dm); err == nil {
		if err := w.q.Send(ctx, queue.WorkDone, body); err != nil {
			log.Printf("[worker] %s: enqueue work-done: %v", w.id, err)
		}
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeWorkDone,
			FeedID:    wm.FeedID,
			RunID:     wm.RunID,
			Timestamp: time.Now(),
			Data:      dm,
		})
	}
}

func (w *Worker) ack(ctx context.Context, msg *queue.Message) {
	if err := w.q.Ack(ctx, queue.WorkItems, msg); err != nil {
		log.Printf("[worker] %s: ack: %v", w.id, err)
	}
}

func (w *Worker) logError(ctx context.Context, runID, partitionID, msg string, detail []byte) {
	if err := w.store.LogError(ctx, "worker", runID, partitionID, msg, detail); err != nil {
		log.Printf("[worker] %s: log error: %v", w.id, err)
	}
}

// PayloadHash fingerprints a raw payload for the hash-gated upsert.
func PayloadHash(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}
