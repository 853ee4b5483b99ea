package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"gemdex/internal/repository"
)

// HeatmapConfig tunes the density scanner and partition builder for one feed.
type HeatmapConfig struct {
	MinPrice              int64 `yaml:"min_price"`
	MaxPrice              int64 `yaml:"max_price"`
	DenseZoneThreshold    int64 `yaml:"dense_zone_threshold"`
	DenseZoneStep         int64 `yaml:"dense_zone_step"`
	InitialStep           int64 `yaml:"initial_step"`
	TargetRecordsPerChunk int   `yaml:"target_records_per_chunk"`
	MaxWorkers            int   `yaml:"max_workers"`
	MinRecordsPerWorker   int   `yaml:"min_records_per_worker"`
	Concurrency           int   `yaml:"concurrency"`
	UseTwoPassScan        bool  `yaml:"use_two_pass_scan"`
	CoarseStep            int64 `yaml:"coarse_step"`
	MaxTotalRecords       int   `yaml:"max_total_records"`
}

// RateLimitConfig is the shared supplier budget for the whole worker fleet.
type RateLimitConfig struct {
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
	WindowMs             int `yaml:"window_ms"`
	MaxWaitMs            int `yaml:"max_wait_ms"`
}

// FeedConfig describes one supplier catalog.
type FeedConfig struct {
	Adapter       string            `yaml:"adapter"` // synthetic | rest
	RawTable      string            `yaml:"raw_table"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	MaxPageSize   int               `yaml:"max_page_size"`
	SyntheticSeed int64             `yaml:"synthetic_seed"`
	SyntheticSize int               `yaml:"synthetic_size"`
	Heatmap       HeatmapConfig     `yaml:"heatmap"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Extra         map[string]string `yaml:"extra"`
}

type Config struct {
	DatabaseURL string `yaml:"database_url"`
	APIPort     int    `yaml:"api_port"`

	QueueBackend string `yaml:"queue_backend"` // redis | postgres | memory
	RedisAddr    string `yaml:"redis_addr"`
	RedisDB      int    `yaml:"redis_db"`

	BlobBackend   string `yaml:"blob_backend"` // fs | gcs
	BlobLocalDir  string `yaml:"blob_local_dir"`
	BlobGCSBucket string `yaml:"blob_gcs_bucket"`

	WorkerPageSize        int `yaml:"worker_page_size"`
	WorkerConsumers       int `yaml:"worker_consumers"`
	ConsolidatorConsumers int `yaml:"consolidator_consumers"`

	ConsolidatorBatchSize       int  `yaml:"consolidator_batch_size"`
	ConsolidatorUpsertBatchSize int  `yaml:"consolidator_upsert_batch_size"`
	ConsolidatorConcurrency     int  `yaml:"consolidator_concurrency"`
	ConsolidatorClaimTTLMinutes int  `yaml:"consolidator_claim_ttl_minutes"`
	ClearPayloadOnDone          bool `yaml:"clear_payload_on_done"`

	FullRunStartDate               string `yaml:"full_run_start_date"`
	IncrementalSafetyBufferMinutes int    `yaml:"incremental_safety_buffer_minutes"`

	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`

	NotifyWebhookURL string `yaml:"notify_webhook_url"`

	// FeedChain maps a feed to the feed scheduled after its consolidation.
	FeedChain map[string]string     `yaml:"feed_chain"`
	Feeds     map[string]FeedConfig `yaml:"feeds"`
}

func withDefaults(cfg *Config) {
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "postgres"
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = "fs"
	}
	if cfg.BlobLocalDir == "" {
		cfg.BlobLocalDir = "./watermarks"
	}
	if cfg.WorkerPageSize == 0 {
		cfg.WorkerPageSize = 200
	}
	if cfg.WorkerConsumers == 0 {
		cfg.WorkerConsumers = 4
	}
	if cfg.ConsolidatorConsumers == 0 {
		cfg.ConsolidatorConsumers = 1
	}
	if cfg.ConsolidatorBatchSize == 0 {
		cfg.ConsolidatorBatchSize = 500
	}
	if cfg.ConsolidatorUpsertBatchSize == 0 {
		cfg.ConsolidatorUpsertBatchSize = 100
	}
	if cfg.ConsolidatorConcurrency == 0 {
		cfg.ConsolidatorConcurrency = 4
	}
	if cfg.ConsolidatorClaimTTLMinutes == 0 {
		cfg.ConsolidatorClaimTTLMinutes = 15
	}
	if cfg.FullRunStartDate == "" {
		cfg.FullRunStartDate = "2000-01-01T00:00:00Z"
	}
	if cfg.IncrementalSafetyBufferMinutes == 0 {
		cfg.IncrementalSafetyBufferMinutes = 15
	}
	if cfg.VisibilityTimeoutSeconds == 0 {
		cfg.VisibilityTimeoutSeconds = 300
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	withDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deploy-time knobs win over the yaml file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.NotifyWebhookURL = v
	}
}

// Validate rejects configurations that would fail at runtime in confusing
// ways. Missing DB credentials and malformed dates are fatal at startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (or set DB_URL)")
	}
	if _, err := time.Parse(time.RFC3339, c.FullRunStartDate); err != nil {
		return fmt.Errorf("full_run_start_date: %w", err)
	}
	switch c.QueueBackend {
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required when queue_backend=redis")
		}
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown queue_backend %q", c.QueueBackend)
	}
	switch c.BlobBackend {
	case "gcs":
		if c.BlobGCSBucket == "" {
			return fmt.Errorf("blob_gcs_bucket is required when blob_backend=gcs")
		}
	case "fs":
	default:
		return fmt.Errorf("unknown blob_backend %q", c.BlobBackend)
	}
	for from, next := range c.FeedChain {
		if _, ok := c.Feeds[from]; !ok {
			return fmt.Errorf("feed_chain references unknown feed %q", from)
		}
		if _, ok := c.Feeds[next]; !ok {
			return fmt.Errorf("feed_chain references unknown feed %q", next)
		}
	}
	for feedID, fc := range c.Feeds {
		if fc.Adapter != "synthetic" && fc.Adapter != "rest" {
			return fmt.Errorf("feed %s: unknown adapter %q", feedID, fc.Adapter)
		}
		if fc.RawTable == "" {
			return fmt.Errorf("feed %s: raw_table is required", feedID)
		}
		// A typo'd landing table would otherwise only surface as an endless
		// redelivery loop at runtime.
		if _, err := repository.ResolveRawTable(fc.RawTable); err != nil {
			return fmt.Errorf("feed %s: %w", feedID, err)
		}
	}
	return nil
}

// FullRunStart returns the parsed epoch for full runs. Validate has already
// checked the format.
func (c *Config) FullRunStart() time.Time {
	t, _ := time.Parse(time.RFC3339, c.FullRunStartDate)
	return t
}

func (c *Config) SafetyBuffer() time.Duration {
	return time.Duration(c.IncrementalSafetyBufferMinutes) * time.Minute
}

func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.ConsolidatorClaimTTLMinutes) * time.Minute
}

func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}
