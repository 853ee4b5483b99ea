// reset_watermark deletes a feed's watermark blob so the next incremental run
// falls back to a full window. Use after a bad run or a schema replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"gemdex/internal/blobstore"
)

func main() {
	var (
		dir    = flag.String("dir", envDefault("BLOB_LOCAL_DIR", "./watermarks"), "local blob directory")
		bucket = flag.String("bucket", os.Getenv("BLOB_GCS_BUCKET"), "GCS bucket (overrides -dir when set)")
		feed   = flag.String("feed", "", "feed id (required)")
	)
	flag.Parse()

	if *feed == "" {
		fmt.Fprintln(os.Stderr, "usage: reset_watermark -feed <feed> [-dir <path> | -bucket <gcs bucket>]")
		os.Exit(1)
	}

	ctx := context.Background()

	var store blobstore.Store
	var err error
	if *bucket != "" {
		store, err = blobstore.NewGCS(ctx, *bucket)
	} else {
		store, err = blobstore.NewFS(*dir)
	}
	if err != nil {
		log.Fatalf("Failed to open blob store: %v", err)
	}

	marks := blobstore.NewWatermarks(store)
	wm, err := marks.Load(ctx, *feed)
	if err != nil {
		log.Fatalf("Failed to read watermark: %v", err)
	}
	if wm == nil {
		fmt.Printf("No watermark found for '%s'. It might have already been reset or never existed.\n", *feed)
		return
	}

	if err := marks.Delete(ctx, *feed); err != nil {
		log.Fatalf("Failed to delete watermark: %v", err)
	}
	fmt.Printf("Successfully deleted watermark for '%s' (was %s from run %s). The next incremental run will use a full window.\n",
		*feed, wm.LastUpdatedAt.Format("2006-01-02T15:04:05Z"), wm.LastRunID)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
