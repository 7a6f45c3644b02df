package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popdyn/lvfit/internal/config"
	"github.com/popdyn/lvfit/internal/dataset"
	"github.com/popdyn/lvfit/internal/fitting"
	"github.com/popdyn/lvfit/internal/logging"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Fitting.WorkerCount = 2
	cfg.Fitting.MaxIterations = 200
	cfg.Fitting.StepTol = 1e-10
	cfg.Fitting.GradTol = 1e-10
	cfg.Fitting.Timeout = 30 * time.Second
	cfg.Fitting.ODEAbsTol = 1e-9
	cfg.Fitting.ODERelTol = 1e-9
	return cfg
}

func newTestServer(t *testing.T) (*Server, chi.Router) {
	t.Helper()

	srv := NewServer(testConfig(), logging.New(logging.ErrorLevel, io.Discard))
	t.Cleanup(func() { _ = srv.Close() })

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

// logisticPayload builds a noiseless trajectory of dx/dt = x*(mu - a*x).
func logisticPayload(mu, a, x0 float64, times []float64) seriesPayload {
	values := make([]float64, len(times))
	k := mu / a
	for i, tt := range times {
		values[i] = k / (1 + (k/x0-1)*math.Exp(-mu*tt))
	}
	return seriesPayload{Times: times, Values: values}
}

func postJSON(t *testing.T, r chi.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleFit(t *testing.T) {
	_, r := newTestServer(t)

	payload := logisticPayload(0.5, 0.01, 5, []float64{0, 1, 2, 3, 4, 6, 8, 10, 12, 15, 20})
	w := postJSON(t, r, "/api/v1/fit", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result struct {
		Params struct {
			Mu float64 `json:"mu"`
			A  float64 `json:"a"`
		} `json:"params"`
		Converged bool `json:"converged"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))

	assert.True(t, result.Converged)
	assert.InEpsilon(t, 0.5, result.Params.Mu, 1e-3)
	assert.InEpsilon(t, 0.01, result.Params.A, 1e-3)
}

func TestHandleFitInvalidBody(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/fit", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFitInvalidSeries(t *testing.T) {
	_, r := newTestServer(t)

	// Times not strictly increasing.
	w := postJSON(t, r, "/api/v1/fit", seriesPayload{
		Times:  []float64{0, 2, 1},
		Values: []float64{5, 6, 7},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleFitFailureKind(t *testing.T) {
	_, r := newTestServer(t)

	// A single observation passes structural validation but cannot seed the
	// fit; the response names the failure kind.
	w := postJSON(t, r, "/api/v1/fit", seriesPayload{
		Times:  []float64{0},
		Values: []float64{5},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "starting_values", body["kind"])
	assert.NotEmpty(t, body["error"])
}

func TestBatchLifecycle(t *testing.T) {
	srv, r := newTestServer(t)

	times := []float64{0, 1, 2, 3, 4, 6, 8, 10, 12, 15, 20}
	req := batchRequest{
		Groups: map[string]seriesPayload{
			"control":   logisticPayload(0.5, 0.01, 5, times),
			"singleton": {Times: []float64{0}, Values: []float64{5}},
		},
	}

	w := postJSON(t, r, "/api/v1/batch", req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&accepted))
	id := accepted["batch_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", accepted["status"])

	// Poll until the job finishes.
	deadline := time.Now().Add(30 * time.Second)
	var status map[string]interface{}
	for {
		require.True(t, time.Now().Before(deadline), "batch did not finish in time")

		sw := httptest.NewRecorder()
		r.ServeHTTP(sw, httptest.NewRequest(http.MethodGet, "/api/v1/batch/"+id, nil))
		require.Equal(t, http.StatusOK, sw.Code)

		status = nil
		require.NoError(t, json.NewDecoder(sw.Body).Decode(&status))
		if status["status"] == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	results, ok := status["results"].([]interface{})
	require.True(t, ok, "completed job carries per-group results")
	require.Len(t, results, 2)

	byGroup := make(map[string]map[string]interface{}, len(results))
	for _, raw := range results {
		gr := raw.(map[string]interface{})
		byGroup[gr["group"].(string)] = gr
	}

	require.Contains(t, byGroup, "control")
	assert.NotNil(t, byGroup["control"]["result"])

	require.Contains(t, byGroup, "singleton")
	assert.Equal(t, "starting_values", byGroup["singleton"]["failure_kind"])
	assert.NotEmpty(t, byGroup["singleton"]["error"])

	require.NoError(t, srv.Close())
}

func TestBatchStatusNotFound(t *testing.T) {
	_, r := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/batch/batch_0", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatchRequiresGroups(t *testing.T) {
	_, r := newTestServer(t)

	w := postJSON(t, r, "/api/v1/batch", batchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFitResponseCarriesNaNStdErrs(t *testing.T) {
	srv, _ := newTestServer(t)

	// Degenerate covariance: the point estimate is returned with null
	// standard errors rather than an unencodable body.
	result := &fitting.FitResult{
		Params:  fitting.Parameters{Mu: 0.5, A: 0.01},
		StdErrs: fitting.Parameters{Mu: math.NaN(), A: math.NaN()},
		Sigma:   0.2,
	}

	w := httptest.NewRecorder()
	srv.respondJSON(w, http.StatusOK, result)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotZero(t, w.Body.Len())

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))

	stderrs := decoded["std_errs"].(map[string]interface{})
	assert.Nil(t, stderrs["mu"])
	assert.Nil(t, stderrs["a"])
	assert.Equal(t, 0.5, decoded["params"].(map[string]interface{})["mu"])
}

func TestBatchCancelWhilePendingSticks(t *testing.T) {
	srv, r := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	job := &BatchJob{
		ID:          "batch_pending",
		Status:      "pending",
		StartTime:   time.Now(),
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}
	srv.jobsMu.Lock()
	srv.jobs[job.ID] = job
	srv.jobsMu.Unlock()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/batch/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	// The batch goroutine starts only after the cancel landed; it must not
	// resurrect the job.
	groups := map[string]dataset.Series{}
	s, err := dataset.New([]float64{0, 1, 2}, []float64{5, 6, 7})
	require.NoError(t, err)
	groups["g"] = s

	srv.runBatch(ctx, job, groups, 1)

	srv.jobsMu.RLock()
	defer srv.jobsMu.RUnlock()
	assert.Equal(t, "cancelled", srv.jobs[job.ID].Status)
	assert.Nil(t, srv.jobs[job.ID].Results)
}

func TestBatchCancel(t *testing.T) {
	srv, r := newTestServer(t)

	// Register a job directly so the cancel path is deterministic instead of
	// racing a fast batch.
	job := &BatchJob{
		ID:          "batch_test",
		Status:      "running",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	srv.jobsMu.Lock()
	srv.jobs[job.ID] = job
	srv.jobsMu.Unlock()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/batch/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	srv.jobsMu.RLock()
	assert.Equal(t, "cancelled", srv.jobs[job.ID].Status)
	require.NotNil(t, srv.jobs[job.ID].EndTime)
	srv.jobsMu.RUnlock()

	// Cancelling a terminal job conflicts.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/batch/"+job.ID, nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/batch/%s", "missing"), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
