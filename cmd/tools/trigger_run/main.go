// trigger_run starts an ingestion run through the running pipeline's API and
// exits 0 on acceptance, 1 on any failure. Meant for cron and CI.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		baseURL = flag.String("url", envDefault("GEMDEX_URL", "http://localhost:8080"), "pipeline API base URL")
		feed    = flag.String("feed", "", "feed id (required)")
		runType = flag.String("type", "incremental", "run type: full | incremental")
		force   = flag.Bool("force", false, "consolidate even when partitions failed")
	)
	flag.Parse()

	if *feed == "" {
		fmt.Fprintln(os.Stderr, "usage: trigger_run -feed <feed> [-type full|incremental] [-force]")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"run_type": *runType,
		"force":    *force,
	})

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(
		fmt.Sprintf("%s/v1/feeds/%s/runs", *baseURL, *feed),
		"application/json", bytes.NewReader(body),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigger failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "trigger failed: status %d: %s\n", resp.StatusCode, out)
		os.Exit(1)
	}

	var run struct {
		RunID           string `json:"run_id"`
		ExpectedWorkers int    `json:"expected_workers"`
	}
	if err := json.Unmarshal(out, &run); err != nil {
		fmt.Fprintf(os.Stderr, "unexpected response: %s\n", out)
		os.Exit(1)
	}
	fmt.Printf("Run %s accepted for feed '%s' with %d partition(s).\n", run.RunID, *feed, run.ExpectedWorkers)
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
