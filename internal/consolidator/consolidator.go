// Package consolidator drains claimed raw rows into canonical diamonds.
// It owns the end of a run: stats, watermark, dataset version, and the
// feed-chain handoff all happen here, and every step is safe to repeat.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemdex/internal/config"
	"gemdex/internal/eventbus"
	"gemdex/internal/models"
	"gemdex/internal/notify"
	"gemdex/internal/pricing"
	"gemdex/internal/queue"
	"gemdex/internal/repository"
	"gemdex/internal/supplier"
)

// Store is the slice of the repository the consolidator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	MarkConsolidationStarted(ctx context.Context, runID string) error
	MarkRunCompleted(ctx context.Context, runID string) error
	RecordRunStats(ctx context.Context, runID string, consolidated, failed int64) error
	ResetStuckClaims(ctx context.Context, rawTable string, ttl time.Duration) (int64, error)
	ClaimBatch(ctx context.Context, rawTable, feedID, instanceID string, batchSize int) ([]repository.ClaimedRow, error)
	MarkRawDone(ctx context.Context, rawTable string, ids []string, clearPayload bool) error
	MarkRawFailed(ctx context.Context, rawTable string, ids []string) error
	UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) error
	LoadPricingRules(ctx context.Context, feedID string) ([]models.PricingRule, error)
	LoadRatingRules(ctx context.Context, feedID string) ([]models.RatingRule, error)
	BumpDatasetVersion(ctx context.Context, feedID string) (int64, error)
	LogError(ctx context.Context, component, runID, partitionID, message string, detail []byte) error
}

// WatermarkStore persists the per-feed consolidation watermark.
type WatermarkStore interface {
	Save(ctx context.Context, wm models.Watermark) error
}

// TriggerFunc starts a run for a downstream feed in the configured chain.
// Wired to the scheduler in main; fire-and-forget from here.
type TriggerFunc func(ctx context.Context, feedID string, runType models.RunType, force bool) error

// maxDeliveries bounds queue redelivery of one consolidate message; past it
// the message is parked instead of cycling forever.
const maxDeliveries = 5

type Consolidator struct {
	id       string
	cfg      *config.Config
	registry *supplier.Registry
	store    Store
	marks    WatermarkStore
	q        queue.Queue
	notifier notify.Notifier
	bus      *eventbus.Bus
	trigger  TriggerFunc
}

func New(cfg *config.Config, registry *supplier.Registry, store Store, marks WatermarkStore, q queue.Queue, notifier notify.Notifier, bus *eventbus.Bus, trigger TriggerFunc) *Consolidator {
	return &Consolidator{
		id:       "consolidator-" + uuid.NewString()[:8],
		cfg:      cfg,
		registry: registry,
		store:    store,
		marks:    marks,
		q:        q,
		notifier: notifier,
		bus:      bus,
		trigger:  trigger,
	}
}

// Run consumes the consolidate queue until ctx is cancelled.
func (c *Consolidator) Run(ctx context.Context) {
	log.Printf("[consolidator] %s: started", c.id)
	for {
		if ctx.Err() != nil {
			log.Printf("[consolidator] %s: stopping", c.id)
			return
		}
		msg, err := c.q.Receive(ctx, queue.Consolidate, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[consolidator] %s: receive: %v", c.id, err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		var cm models.ConsolidateMessage
		if err := json.Unmarshal(msg.Body, &cm); err != nil {
			log.Printf("[consolidator] %s: undecodable message %s: %v", c.id, msg.ID, err)
			c.ack(ctx, msg)
			continue
		}
		if msg.ReceiveCount > maxDeliveries {
			log.Printf("[consolidator] %s: run=%s: parked after %d deliveries", c.id, cm.RunID, msg.ReceiveCount)
			c.logError(ctx, cm.RunID, fmt.Sprintf("consolidate message parked after %d deliveries", msg.ReceiveCount))
			c.notifier.Notify(ctx, notify.Event{
				Kind: "consolidation_parked", FeedID: cm.FeedID, RunID: cm.RunID,
				Message: fmt.Sprintf("parked after %d deliveries", msg.ReceiveCount),
			})
			c.ack(ctx, msg)
			continue
		}
		if err := c.Consolidate(ctx, cm); err != nil {
			log.Printf("[consolidator] %s: run=%s: %v, nacking", c.id, cm.RunID, err)
			if nerr := c.q.Nack(ctx, queue.Consolidate, msg); nerr != nil {
				log.Printf("[consolidator] %s: nack: %v", c.id, nerr)
			}
			continue
		}
		c.ack(ctx, msg)
	}
}

// Consolidate processes one finished run end to end. A crash anywhere inside
// leaves only 'processing' claims behind; the redelivered message resets them
// and resumes. An error return asks for queue redelivery.
func (c *Consolidator) Consolidate(ctx context.Context, cm models.ConsolidateMessage) error {
	run, err := c.store.GetRun(ctx, cm.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		log.Printf("[consolidator] %s: run=%s not found, dropping", c.id, cm.RunID)
		return nil
	}
	if run.CompletedAt != nil {
		log.Printf("[consolidator] %s: run=%s already completed, dropping", c.id, cm.RunID)
		return nil
	}

	adapter, err := c.registry.Get(run.FeedID)
	if err != nil {
		return err
	}
	meta := adapter.Metadata()

	force := run.ForceConsolidate || cm.Force
	if run.FailedWorkers > 0 && !force {
		// Partial run: consolidating would advance the watermark past data
		// the failed partitions never landed. The run stays open so a later
		// forced consolidate can still pick it up; the next run's window
		// re-covers the gap either way.
		log.Printf("[consolidator] %s: run=%s: %d failed worker(s), skipping consolidation",
			c.id, run.RunID, run.FailedWorkers)
		c.notifier.Notify(ctx, notify.Event{
			Kind: "consolidation_skipped", FeedID: run.FeedID, RunID: run.RunID,
			Message: fmt.Sprintf("%d of %d partitions failed", run.FailedWorkers, run.ExpectedWorkers),
		})
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type:      eventbus.TypeConsolidationFailed,
				FeedID:    run.FeedID,
				RunID:     run.RunID,
				Timestamp: time.Now(),
				Data:      map[string]int{"failed_workers": run.FailedWorkers, "expected_workers": run.ExpectedWorkers},
			})
		}
		return nil
	}

	if err := c.store.MarkConsolidationStarted(ctx, run.RunID); err != nil {
		return err
	}

	recovered, err := c.store.ResetStuckClaims(ctx, meta.RawTable, c.cfg.ClaimTTL())
	if err != nil {
		return fmt.Errorf("reset stuck claims: %w", err)
	}
	if recovered > 0 {
		log.Printf("[consolidator] %s: run=%s: recovered %d stuck claim(s)", c.id, run.RunID, recovered)
	}

	pricingRules, err := c.store.LoadPricingRules(ctx, run.FeedID)
	if err != nil {
		return fmt.Errorf("load pricing rules: %w", err)
	}
	ratingRules, err := c.store.LoadRatingRules(ctx, run.FeedID)
	if err != nil {
		return fmt.Errorf("load rating rules: %w", err)
	}

	var totalDone, totalFailed int64
	for {
		rows, err := c.store.ClaimBatch(ctx, meta.RawTable, run.FeedID, c.id, c.cfg.ConsolidatorBatchSize)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		done, failed := c.processBatch(ctx, run, adapter, meta.RawTable, rows, pricingRules, ratingRules)
		totalDone += done
		totalFailed += failed
	}

	if err := c.store.RecordRunStats(ctx, run.RunID, totalDone, totalFailed); err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	if err := c.store.MarkRunCompleted(ctx, run.RunID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if err := c.marks.Save(ctx, models.Watermark{
		FeedID:             run.FeedID,
		LastUpdatedAt:      run.UpdatedTo,
		LastRunID:          run.RunID,
		LastRunCompletedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	version, err := c.store.BumpDatasetVersion(ctx, run.FeedID)
	if err != nil {
		return fmt.Errorf("bump dataset version: %w", err)
	}

	kind := "run_completed"
	if run.FailedWorkers > 0 {
		kind = "run_partial"
	}
	c.notifier.Notify(ctx, notify.Event{
		Kind: kind, FeedID: run.FeedID, RunID: run.RunID,
		Message: fmt.Sprintf("%d consolidated, %d failed, dataset v%d", totalDone, totalFailed, version),
	})
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type:      eventbus.TypeConsolidationDone,
			FeedID:    run.FeedID,
			RunID:     run.RunID,
			Timestamp: time.Now(),
			Data:      map[string]int64{"consolidated": totalDone, "failed": totalFailed, "version": version},
		})
	}
	log.Printf("[consolidator] %s: run=%s: done, %d consolidated, %d failed, dataset v%d",
		c.id, run.RunID, totalDone, totalFailed, version)

	c.chainNext(run.FeedID)
	return nil
}

// processBatch splits a claimed batch into ConsolidatorUpsertBatchSize
// sub-chunks (each becomes one canonical upsert) and runs at most
// ConsolidatorConcurrency of them at a time. Failures are isolated per row: a
// bad payload parks that row as failed and never blocks its neighbors.
func (c *Consolidator) processBatch(ctx context.Context, run *models.Run, adapter supplier.Adapter, rawTable string, rows []repository.ClaimedRow, pricingRules []models.PricingRule, ratingRules []models.RatingRule) (done, failed int64) {
	chunkSize := c.cfg.ConsolidatorUpsertBatchSize
	if chunkSize < 1 {
		chunkSize = len(rows)
	}
	conc := c.cfg.ConsolidatorConcurrency
	if conc < 1 {
		conc = 1
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, conc)
	)
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []repository.ClaimedRow) {
			defer wg.Done()
			defer func() { <-sem }()
			d, f := c.processChunk(ctx, run, adapter, rawTable, chunk, pricingRules, ratingRules)
			mu.Lock()
			done += d
			failed += f
			mu.Unlock()
		}(rows[start:end])
	}
	wg.Wait()
	return done, failed
}

func (c *Consolidator) processChunk(ctx context.Context, run *models.Run, adapter supplier.Adapter, rawTable string, rows []repository.ClaimedRow, pricingRules []models.PricingRule, ratingRules []models.RatingRule) (int64, int64) {
	diamonds := make([]models.Diamond, 0, len(rows))
	doneIDs := make([]string, 0, len(rows))
	var failedIDs []string

	for _, row := range rows {
		fields, err := adapter.MapRawToCanonical(row.Payload)
		if err != nil {
			c.logError(ctx, run.RunID, fmt.Sprintf("map %s: %v", row.SupplierStoneID, err))
			failedIDs = append(failedIDs, row.SupplierStoneID)
			continue
		}
		price := pricing.ComputePrice(fields, pricingRules)
		rating, label := pricing.ComputeRating(fields, ratingRules)
		diamonds = append(diamonds, models.Diamond{
			FeedID:             run.FeedID,
			SupplierStoneID:    fields.SupplierStoneID,
			OfferID:            fields.OfferID,
			Shape:              fields.Shape,
			WeightCarats:       fields.WeightCarats,
			ColorGrade:         fields.ColorGrade,
			ClarityGrade:       fields.ClarityGrade,
			CutGrade:           fields.CutGrade,
			PolishGrade:        fields.PolishGrade,
			SymmetryGrade:      fields.SymmetryGrade,
			Fluorescence:       fields.Fluorescence,
			Lab:                fields.Lab,
			CertificateNumber:  fields.CertificateNumber,
			SupplierPriceCents: fields.SupplierPriceCents,
			ComputedPriceCents: price,
			Rating:             rating,
			RatingLabel:        label,
			Availability:       fields.Availability,
			Status:             "active",
			ImageURL:           fields.ImageURL,
			VideoURL:           fields.VideoURL,
			SourceUpdatedAt:    fields.SourceUpdatedAt,
		})
		doneIDs = append(doneIDs, row.SupplierStoneID)
	}

	if len(diamonds) > 0 {
		if err := c.store.UpsertDiamonds(ctx, diamonds); err != nil {
			// The whole chunk failed to write. Park every row so the batch
			// never silently loses records; a later force run replays them.
			c.logError(ctx, run.RunID, fmt.Sprintf("upsert diamonds: %v", err))
			failedIDs = append(failedIDs, doneIDs...)
			doneIDs = doneIDs[:0]
		}
	}

	if err := c.store.MarkRawDone(ctx, rawTable, doneIDs, c.cfg.ClearPayloadOnDone); err != nil {
		// Rows stay 'processing' and the claim TTL returns them to pending.
		c.logError(ctx, run.RunID, fmt.Sprintf("mark raw done: %v", err))
		return 0, int64(len(failedIDs))
	}
	if err := c.store.MarkRawFailed(ctx, rawTable, failedIDs); err != nil {
		c.logError(ctx, run.RunID, fmt.Sprintf("mark raw failed: %v", err))
	}
	return int64(len(doneIDs)), int64(len(failedIDs))
}

// chainNext fires the next feed in the configured chain, if any. Failures are
// logged only; the finished run's outcome never depends on its successor.
func (c *Consolidator) chainNext(feedID string) {
	if c.trigger == nil {
		return
	}
	next, ok := c.cfg.FeedChain[feedID]
	if !ok {
		return
	}
	log.Printf("[consolidator] %s: chaining %s -> %s", c.id, feedID, next)
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := c.trigger(tctx, next, models.RunTypeIncremental, false); err != nil {
			log.Printf("[consolidator] %s: chain trigger %s: %v", c.id, next, err)
		}
	}()
}

func (c *Consolidator) ack(ctx context.Context, msg *queue.Message) {
	if err := c.q.Ack(ctx, queue.Consolidate, msg); err != nil {
		log.Printf("[consolidator] %s: ack: %v", c.id, err)
	}
}

func (c *Consolidator) logError(ctx context.Context, runID, msg string) {
	if err := c.store.LogError(ctx, "consolidator", runID, "", msg, nil); err != nil {
		log.Printf("[consolidator] %s: log error: %v", c.id, err)
	}
}
