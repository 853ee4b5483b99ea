// Package notify is the opaque notification sink for run outcomes. Sinks
// never propagate failures to the pipeline: a dropped notification must not
// fail a run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"
)

// Event is one user-visible pipeline outcome.
type Event struct {
	Kind    string `json:"kind"` // run_completed | run_partial | run_failed | consolidation_skipped
	FeedID  string `json:"feed_id"`
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// Notifier accepts events and always succeeds from the caller's view.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// LogNotifier writes events to the process log. Default sink.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, evt Event) {
	log.Printf("[notify] %s feed=%s run=%s: %s", evt.Kind, evt.FeedID, evt.RunID, evt.Message)
}

// WebhookNotifier POSTs events as JSON to a configured URL. Delivery errors
// are logged and swallowed.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[notify] marshal event: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[notify] build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[notify] deliver %s: %v", evt.Kind, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[notify] deliver %s: status %d", evt.Kind, resp.StatusCode)
	}
}
