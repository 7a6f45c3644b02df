// Package server exposes the fitting pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/popdyn/lvfit/internal/config"
	"github.com/popdyn/lvfit/internal/dataset"
	"github.com/popdyn/lvfit/internal/fitting"
	"github.com/popdyn/lvfit/internal/logging"
	"github.com/popdyn/lvfit/internal/ode"
)

// Logger defines the logging interface used by the server.
// This allows us to be flexible with our logging implementation.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	fitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvfit_fits_total",
		Help: "Completed single-series fits by outcome.",
	}, []string{"status"})

	fitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lvfit_fit_duration_seconds",
		Help:    "Wall time per single-series fit.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	batchJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvfit_batch_jobs_total",
		Help: "Batch jobs by terminal status.",
	}, []string{"status"})
)

// BatchJob tracks one asynchronous batch fit. Access is guarded by the
// server's job mutex.
type BatchJob struct {
	ID          string
	Status      string // "pending", "running", "completed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Results     []fitting.GroupResult
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server implements the HTTP API around the fitting pipeline: a synchronous
// single-series fit and an asynchronous batch job lifecycle.
type Server struct {
	cfg      *config.Config
	logger   Logger
	pipeline *fitting.Pipeline

	jobs   map[string]*BatchJob
	jobsMu sync.RWMutex
}

// NewServer creates a server instance with a pipeline built from cfg. The
// pipeline's zap call sites are routed into the service logger.
func NewServer(cfg *config.Config, logger Logger) *Server {
	zlog := logging.NewZapLogger(logger.WithFields(map[string]interface{}{
		"component": "fitting",
	}))

	return &Server{
		cfg:      cfg,
		logger:   logger,
		pipeline: fitting.NewPipelineWithLogger(FittingConfig(cfg), zlog),
		jobs:     make(map[string]*BatchJob),
	}
}

// FittingConfig maps the service configuration onto the fitting core's.
func FittingConfig(cfg *config.Config) fitting.Config {
	fc := fitting.DefaultConfig()
	fc.MaxIterations = cfg.Fitting.MaxIterations
	fc.StepTol = cfg.Fitting.StepTol
	fc.GradTol = cfg.Fitting.GradTol
	fc.Timeout = cfg.Fitting.Timeout
	fc.ODE = ode.Config{
		AbsTol: cfg.Fitting.ODEAbsTol,
		RelTol: cfg.Fitting.ODERelTol,
	}
	return fc
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fit", s.handleFit)
		r.Post("/batch", s.handleBatchStart)
		r.Get("/batch/{id}", s.handleBatchStatus)
		r.Delete("/batch/{id}", s.handleBatchCancel)
	})
}

type seriesPayload struct {
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

type batchRequest struct {
	Groups  map[string]seriesPayload `json:"groups"`
	Workers int                      `json:"workers,omitempty"`
}

// handleFit runs one synchronous fit and returns the FitResult.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var payload seriesPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), "")
		return
	}

	series, err := dataset.New(payload.Times, payload.Values)
	if err != nil {
		fitsTotal.WithLabelValues("invalid").Inc()
		s.respondError(w, http.StatusBadRequest, err, "")
		return
	}

	start := time.Now()
	result, err := s.pipeline.Fit(r.Context(), series)
	fitDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind := fitting.KindOf(err)
		fitsTotal.WithLabelValues("failed").Inc()
		s.respondError(w, http.StatusUnprocessableEntity, err, string(kind))
		return
	}

	fitsTotal.WithLabelValues("ok").Inc()
	s.respondJSON(w, http.StatusOK, result)
}

// handleBatchStart accepts a grouped dataset and fits it asynchronously.
// The response carries the job id to poll.
func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err), "")
		return
	}
	if len(req.Groups) == 0 {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("at least one group is required"), "")
		return
	}

	groups := make(map[string]dataset.Series, len(req.Groups))
	for name, payload := range req.Groups {
		series, err := dataset.New(payload.Times, payload.Values)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("group %q: %w", name, err), "")
			return
		}
		groups[name] = series
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.cfg.Fitting.WorkerCount
	}

	id := fmt.Sprintf("batch_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	job := &BatchJob{
		ID:          id,
		Status:      "pending",
		StartTime:   time.Now(),
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	s.jobsMu.Lock()
	s.jobs[id] = job
	s.jobsMu.Unlock()

	go s.runBatch(ctx, job, groups, workers)

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   "pending",
	})
}

// runBatch executes the batch in a goroutine and records its results.
func (s *Server) runBatch(ctx context.Context, job *BatchJob, groups map[string]dataset.Series, workers int) {
	s.jobsMu.Lock()
	// The job can be cancelled before this goroutine gets scheduled; a
	// cancel accepted while pending must stick.
	if job.Status == "cancelled" {
		s.jobsMu.Unlock()
		batchJobsTotal.WithLabelValues("cancelled").Inc()
		return
	}
	if ctx.Err() != nil {
		now := time.Now()
		job.Status = "cancelled"
		job.EndTime = &now
		job.LastUpdated = now
		s.jobsMu.Unlock()
		batchJobsTotal.WithLabelValues("cancelled").Inc()
		return
	}
	job.Status = "running"
	job.LastUpdated = time.Now()
	s.jobsMu.Unlock()

	results := s.pipeline.FitGroups(ctx, groups, workers)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now
	job.Results = results

	if job.Status == "cancelled" {
		batchJobsTotal.WithLabelValues("cancelled").Inc()
		return
	}
	job.Status = "completed"
	batchJobsTotal.WithLabelValues("completed").Inc()

	failures := 0
	for _, gr := range results {
		if gr.Err != nil {
			failures++
		}
	}
	s.logger.Info("batch completed", map[string]interface{}{
		"batch_id": job.ID,
		"groups":   len(results),
		"failures": failures,
	})
}

// handleBatchStatus reports a job's state and, when finished, its per-group
// results including isolated failures.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("batch not found"), "")
		return
	}

	response := map[string]interface{}{
		"batch_id":    job.ID,
		"status":      job.Status,
		"start_time":  job.StartTime.Format(time.RFC3339),
		"last_update": job.LastUpdated.Format(time.RFC3339),
	}
	if job.EndTime != nil {
		response["end_time"] = job.EndTime.Format(time.RFC3339)
	}
	if job.Results != nil {
		response["results"] = job.Results
	}

	s.respondJSON(w, http.StatusOK, response)
}

// handleBatchCancel cancels a running job.
func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("batch not found"), "")
		return
	}

	switch job.Status {
	case "completed", "cancelled":
		s.respondError(w, http.StatusConflict, fmt.Errorf("cannot cancel batch with status %q", job.Status), "")
		return
	}

	if job.CancelFunc != nil {
		job.CancelFunc()
	}
	job.Status = "cancelled"
	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now

	s.logger.Info("batch cancelled", map[string]interface{}{"batch_id": id})

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error, kind string) {
	s.logger.Error("request error", map[string]interface{}{
		"status": status,
		"error":  err.Error(),
	})

	body := map[string]string{"error": err.Error()}
	if kind != "" {
		body["kind"] = kind
	}
	s.respondJSON(w, status, body)
}

// Close cancels all running batch jobs.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	for _, job := range s.jobs {
		if job.CancelFunc != nil {
			job.CancelFunc()
		}
	}
	return nil
}
