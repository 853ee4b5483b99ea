package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gemdex/internal/blobstore"
	"gemdex/internal/config"
	"gemdex/internal/consolidator"
	"gemdex/internal/eventbus"
	"gemdex/internal/models"
	"gemdex/internal/notify"
	"gemdex/internal/queue"
	"gemdex/internal/ratelimit"
	"gemdex/internal/repository"
	"gemdex/internal/scheduler"
	"gemdex/internal/supplier"
	"gemdex/internal/trigger"
	"gemdex/internal/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", configPath, err)
	}

	log.Println("Initializing gemdex ingestion pipeline...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Queue: %s", cfg.QueueBackend)
	log.Printf("API Port: %d", cfg.APIPort)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	if cfg.ConsolidatorConcurrency > repo.MaxConns() {
		log.Printf("Warning: consolidator_concurrency %d exceeds DB pool size %d, clamping",
			cfg.ConsolidatorConcurrency, repo.MaxConns())
		cfg.ConsolidatorConcurrency = repo.MaxConns()
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		q = queue.NewRedis(cfg.RedisAddr, cfg.RedisDB, cfg.VisibilityTimeout())
	case "postgres":
		q = queue.NewPostgres(repo.Pool(), cfg.VisibilityTimeout())
	case "memory":
		q = queue.NewMemory(cfg.VisibilityTimeout())
	}
	defer q.Close()

	var blobs blobstore.Store
	switch cfg.BlobBackend {
	case "gcs":
		blobs, err = blobstore.NewGCS(context.Background(), cfg.BlobGCSBucket)
		if err != nil {
			log.Fatalf("Failed to init GCS blob store: %v", err)
		}
	default:
		blobs, err = blobstore.NewFS(cfg.BlobLocalDir)
		if err != nil {
			log.Fatalf("Failed to init blob store: %v", err)
		}
	}
	marks := blobstore.NewWatermarks(blobs)

	registry, err := supplier.NewRegistry(cfg.Feeds)
	if err != nil {
		log.Fatalf("Failed to build supplier registry: %v", err)
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL)
	}

	bus := eventbus.New()
	defer bus.Close()

	limiters := make(map[string]worker.Limiter, len(cfg.Feeds))
	for feedID, fc := range cfg.Feeds {
		limiters[feedID] = ratelimit.New(repo, fc.RateLimit)
	}

	// 3. Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(cfg, registry, repo, marks, q, notifier)

	for i := 0; i < cfg.WorkerConsumers; i++ {
		w := worker.New(cfg, registry, repo, q, limiters, notifier, bus)
		go w.Run(ctx)
	}
	log.Printf("Started %d worker consumer(s)", cfg.WorkerConsumers)

	chainTrigger := func(ctx context.Context, feedID string, runType models.RunType, force bool) error {
		_, err := sched.Trigger(ctx, feedID, runType, force)
		return err
	}
	for i := 0; i < cfg.ConsolidatorConsumers; i++ {
		c := consolidator.New(cfg, registry, repo, marks, q, notifier, bus, chainTrigger)
		go c.Run(ctx)
	}
	log.Printf("Started %d consolidator consumer(s)", cfg.ConsolidatorConsumers)

	go drainWorkDone(ctx, q)
	go logBusEvents(ctx, bus)

	srv := trigger.NewServer(sched, repo, marks, registry, strconv.Itoa(cfg.APIPort))
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Printf("gemdex up (commit %s)", BuildCommit)

	// 4. Shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	cancel()
	// In-flight messages are covered by the visibility timeout; anything a
	// worker held when we exited will be redelivered.
	time.Sleep(500 * time.Millisecond)
	log.Println("Bye.")
}

// drainWorkDone consumes the observability queue so it never grows unbounded.
// The payload is already logged by the emitting worker; here we only ack.
func drainWorkDone(ctx context.Context, q queue.Queue) {
	for ctx.Err() == nil {
		msg, err := q.Receive(ctx, queue.WorkDone, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		if err := q.Ack(ctx, queue.WorkDone, msg); err != nil {
			log.Printf("[main] ack work-done: %v", err)
		}
	}
}

func logBusEvents(ctx context.Context, bus *eventbus.Bus) {
	events := make(chan eventbus.Event, 64)
	bus.Subscribe(eventbus.TypeConsolidationDone, events)
	bus.Subscribe(eventbus.TypeConsolidationFailed, events)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			log.Printf("[events] %s feed=%s run=%s", evt.Type, evt.FeedID, evt.RunID)
		}
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
