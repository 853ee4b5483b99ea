// Package trigger is the HTTP control surface: it starts runs and answers
// status questions. It never sits on the data path.
package trigger

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gemdex/internal/models"
	"gemdex/internal/supplier"
)

// Triggerer starts a run; implemented by the scheduler.
type Triggerer interface {
	Trigger(ctx context.Context, feedID string, runType models.RunType, force bool) (*models.Run, error)
}

// Store is the read side the server needs for status endpoints.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	GetDatasetVersion(ctx context.Context, feedID string) (int64, error)
	CountRawByStatus(ctx context.Context, rawTable, feedID string, status models.ConsolidationStatus) (int64, error)
}

// WatermarkLoader reads the per-feed watermark blob.
type WatermarkLoader interface {
	Load(ctx context.Context, feedID string) (*models.Watermark, error)
}

type Server struct {
	sched      Triggerer
	store      Store
	marks      WatermarkLoader
	registry   *supplier.Registry
	httpServer *http.Server
}

func NewServer(sched Triggerer, store Store, marks WatermarkLoader, registry *supplier.Registry, port string) *Server {
	s := &Server{
		sched:    sched,
		store:    store,
		marks:    marks,
		registry: registry,
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/v1/feeds/{feed}/runs", s.handleTriggerRun).Methods("POST")
	r.HandleFunc("/v1/feeds/{feed}/status", s.handleFeedStatus).Methods("GET")
	r.HandleFunc("/v1/runs/{id}", s.handleGetRun).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[trigger] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type triggerRequest struct {
	RunType string `json:"run_type"`
	Force   bool   `json:"force"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed"]

	req := triggerRequest{RunType: string(models.RunTypeIncremental)}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	runType := models.RunType(req.RunType)
	if runType != models.RunTypeFull && runType != models.RunTypeIncremental {
		writeError(w, http.StatusBadRequest, "run_type must be full or incremental")
		return
	}
	if _, err := s.registry.Get(feedID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	run, err := s.sched.Trigger(r.Context(), feedID, runType, req.Force)
	if err != nil {
		log.Printf("[trigger] feed=%s: %v", feedID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	json.NewEncoder(w).Encode(run)
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed"]
	adapter, err := s.registry.Get(feedID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	meta := adapter.Metadata()
	ctx := r.Context()

	status := map[string]interface{}{"feed_id": feedID}

	if wm, err := s.marks.Load(ctx, feedID); err == nil && wm != nil {
		status["watermark"] = wm
	}
	if v, err := s.store.GetDatasetVersion(ctx, feedID); err == nil {
		status["dataset_version"] = v
	}
	counts := map[string]int64{}
	for _, st := range []models.ConsolidationStatus{
		models.StatusPending, models.StatusProcessing, models.StatusDone, models.StatusFailed,
	} {
		if n, err := s.store.CountRawByStatus(ctx, meta.RawTable, feedID, st); err == nil {
			counts[string(st)] = n
		}
	}
	status["raw_counts"] = counts
	status["generated_at"] = time.Now().UTC().Format(time.RFC3339)

	json.NewEncoder(w).Encode(status)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
