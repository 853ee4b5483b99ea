package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gemdex/internal/config"
	"gemdex/internal/models"
	"gemdex/internal/supplier"
)

type fakeTriggerer struct {
	run      *models.Run
	err      error
	feedID   string
	runType  models.RunType
	force    bool
	triggers int
}

func (f *fakeTriggerer) Trigger(ctx context.Context, feedID string, runType models.RunType, force bool) (*models.Run, error) {
	f.triggers++
	f.feedID, f.runType, f.force = feedID, runType, force
	return f.run, f.err
}

type fakeTriggerStore struct {
	runs    map[string]*models.Run
	version int64
	counts  map[models.ConsolidationStatus]int64
}

func (f *fakeTriggerStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return f.runs[runID], nil
}

func (f *fakeTriggerStore) GetDatasetVersion(ctx context.Context, feedID string) (int64, error) {
	return f.version, nil
}

func (f *fakeTriggerStore) CountRawByStatus(ctx context.Context, rawTable, feedID string, status models.ConsolidationStatus) (int64, error) {
	return f.counts[status], nil
}

type fakeLoader struct {
	wm *models.Watermark
}

func (f *fakeLoader) Load(ctx context.Context, feedID string) (*models.Watermark, error) {
	return f.wm, nil
}

func testServer(t *testing.T, sched Triggerer, store Store, marks WatermarkLoader) *Server {
	t.Helper()
	reg, err := supplier.NewRegistry(map[string]config.FeedConfig{
		"brilliantco": {Adapter: "synthetic", RawTable: "raw_brilliantco", SyntheticSize: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(sched, store, marks, reg, "0")
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := testServer(t, &fakeTriggerer{}, &fakeTriggerStore{}, &fakeLoader{})
	rec := doRequest(s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
}

func TestTriggerRunDefaultsToIncremental(t *testing.T) {
	sched := &fakeTriggerer{run: &models.Run{RunID: "run-1", FeedID: "brilliantco", ExpectedWorkers: 3}}
	s := testServer(t, sched, &fakeTriggerStore{}, &fakeLoader{})

	rec := doRequest(s, "POST", "/v1/feeds/brilliantco/runs", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if sched.runType != models.RunTypeIncremental || sched.force {
		t.Errorf("trigger params = %s force=%v", sched.runType, sched.force)
	}

	var run models.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	if run.RunID != "run-1" || run.ExpectedWorkers != 3 {
		t.Errorf("run = %+v", run)
	}
}

func TestTriggerRunFullWithForce(t *testing.T) {
	sched := &fakeTriggerer{run: &models.Run{RunID: "run-2"}}
	s := testServer(t, sched, &fakeTriggerStore{}, &fakeLoader{})

	rec := doRequest(s, "POST", "/v1/feeds/brilliantco/runs", `{"run_type":"full","force":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if sched.runType != models.RunTypeFull || !sched.force {
		t.Errorf("trigger params = %s force=%v", sched.runType, sched.force)
	}
}

func TestTriggerRunRejectsBadType(t *testing.T) {
	sched := &fakeTriggerer{}
	s := testServer(t, sched, &fakeTriggerStore{}, &fakeLoader{})

	rec := doRequest(s, "POST", "/v1/feeds/brilliantco/runs", `{"run_type":"hourly"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if sched.triggers != 0 {
		t.Error("scheduler should not be called for a bad run type")
	}
}

func TestTriggerRunUnknownFeed(t *testing.T) {
	s := testServer(t, &fakeTriggerer{}, &fakeTriggerStore{}, &fakeLoader{})
	rec := doRequest(s, "POST", "/v1/feeds/nosuch/runs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTriggerRunSchedulerError(t *testing.T) {
	sched := &fakeTriggerer{err: errors.New("scan failed")}
	s := testServer(t, sched, &fakeTriggerStore{}, &fakeLoader{})
	rec := doRequest(s, "POST", "/v1/feeds/brilliantco/runs", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	store := &fakeTriggerStore{runs: map[string]*models.Run{
		"run-1": {RunID: "run-1", FeedID: "brilliantco"},
	}}
	s := testServer(t, &fakeTriggerer{}, store, &fakeLoader{})

	rec := doRequest(s, "GET", "/v1/runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doRequest(s, "GET", "/v1/runs/run-404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", rec.Code)
	}
}

func TestFeedStatus(t *testing.T) {
	store := &fakeTriggerStore{
		version: 7,
		counts: map[models.ConsolidationStatus]int64{
			models.StatusPending: 12,
			models.StatusDone:    300,
		},
	}
	marks := &fakeLoader{wm: &models.Watermark{
		FeedID:        "brilliantco",
		LastUpdatedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		LastRunID:     "run-9",
	}}
	s := testServer(t, &fakeTriggerer{}, store, marks)

	rec := doRequest(s, "GET", "/v1/feeds/brilliantco/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		FeedID         string           `json:"feed_id"`
		DatasetVersion int64            `json:"dataset_version"`
		RawCounts      map[string]int64 `json:"raw_counts"`
		Watermark      *models.Watermark
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.FeedID != "brilliantco" || body.DatasetVersion != 7 {
		t.Errorf("body = %+v", body)
	}
	if body.RawCounts["pending"] != 12 || body.RawCounts["done"] != 300 {
		t.Errorf("raw counts = %+v", body.RawCounts)
	}
	if body.Watermark == nil || body.Watermark.LastRunID != "run-9" {
		t.Errorf("watermark = %+v", body.Watermark)
	}
}
