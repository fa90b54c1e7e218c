package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/api/handler"
	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/pkg/router"
	"go-accurate-puller/pkg/utils"
)

type testServer struct {
	router *router.Router
	jobs   *store.JobStore
	files  *utils.OutputManager
	live   *model.JobReport
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	jobs, err := store.OpenJobStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	ts := &testServer{jobs: jobs, files: utils.NewOutputManager(filepath.Join(dir, "exports"))}
	live := func() (model.JobReport, bool) {
		if ts.live == nil {
			return model.JobReport{}, false
		}
		return *ts.live, true
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts.router = router.New(log)
	RegisterRoutes(ts.router, handler.New(jobs, ts.files, live, log))
	return ts
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (ts *testServer) seedJob(t *testing.T, id string, status model.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ts.jobs.SaveJob(ctx, id, model.JobSpec{StartDate: "01/01/2024", EndDate: "31/01/2024", CheckpointPath: "cp.json", Sink: "memory"}))
	require.NoError(t, ts.jobs.UpdateJobStatus(ctx, id, status))
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	ts.seedJob(t, "job-1", model.StatusCompletedWithSkips)
	require.NoError(t, ts.jobs.SaveJobError(ctx, "job-1", errors.New("customers: HTTP 500")))
	require.NoError(t, ts.jobs.SaveReport(ctx, model.JobReport{
		JobID:   "job-1",
		Status:  model.StatusCompletedWithSkips,
		Records: 12,
		Endpoints: map[string]model.EndpointReport{
			"items": {Dataset: "items", Records: 12, Pages: 2, Stats: model.EndpointStats{SuccessfulRequests: 2}},
		},
	}))

	rec := ts.get(t, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.JobSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusCompletedWithSkips, list[0].Status)

	rec = ts.get(t, "/api/v1/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail model.JobDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "01/01/2024", detail.Spec.StartDate)
	assert.Equal(t, "job-1", detail.ID)

	rec = ts.get(t, "/api/v1/jobs/job-1/errors")
	require.Equal(t, http.StatusOK, rec.Code)
	var errs struct {
		JobID  string           `json:"job_id"`
		Errors []model.JobError `json:"errors"`
		Count  int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errs))
	assert.Equal(t, 1, errs.Count)
	assert.Equal(t, "customers: HTTP 500", errs.Errors[0].Message)

	rec = ts.get(t, "/api/v1/jobs/job-1/report")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep model.JobReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 12, rep.Records)

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/v1/jobs/missing").Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/v1/jobs/missing/report").Code)
}

func TestLiveReportWinsWhileRunning(t *testing.T) {
	ts := newTestServer(t)
	ts.seedJob(t, "job-2", model.StatusRunning)
	ts.live = &model.JobReport{JobID: "job-2", Status: model.StatusRunning, Records: 7}

	rec := ts.get(t, "/api/v1/jobs/job-2/report")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep model.JobReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 7, rep.Records)
}

func TestFilesAndDownload(t *testing.T) {
	ts := newTestServer(t)
	path, err := ts.files.GetOutputFilePath("job-3", "items.csv")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,Bolt\n"), 0o644))

	rec := ts.get(t, "/api/v1/jobs/job-3/files")
	require.Equal(t, http.StatusOK, rec.Code)
	var files struct {
		Files []string `json:"files"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	assert.Equal(t, []string{"items.csv"}, files.Files)

	rec = ts.get(t, "/api/v1/jobs/unknown/files")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"files":[]`)

	rec = ts.get(t, "/api/v1/download/job-3/items.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "id,name\n1,Bolt\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "items.csv")

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/v1/download/job-3/nope.csv").Code)
	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/api/v1/download/job-3/sub/items.csv").Code)
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no job report yet")

	ts.seedJob(t, "job-4", model.StatusCompleted)
	require.NoError(t, ts.jobs.SaveReport(context.Background(), model.JobReport{
		JobID:    "job-4",
		Status:   model.StatusCompleted,
		Records:  30,
		Duration: 2 * time.Second,
		Endpoints: map[string]model.EndpointReport{
			"items":          {Records: 20, Pages: 1, Stats: model.EndpointStats{SuccessfulRequests: 1, RateLimitHits: 2}},
			"selling_prices": {Records: 10, SkippedLookups: 3},
		},
		Tiers: map[string]map[string]int{"selling_price": {"api": 8, "category_median": 2}},
	}))

	body := ts.get(t, "/metrics").Body.String()
	assert.Contains(t, body, "# TYPE puller_http_requests_total counter")
	assert.Contains(t, body, `puller_job_status{job_id="job-4",status="completed"} 1`)
	assert.Contains(t, body, `puller_job_status{job_id="job-4",status="failed"} 0`)
	assert.Contains(t, body, `puller_http_requests_total{endpoint="items",result="rate_limited"} 2`)
	assert.Contains(t, body, `puller_skipped_lookups_total{endpoint="selling_prices"} 3`)
	assert.Contains(t, body, `puller_fallback_tier_records{rule="selling_price",tier="category_median"} 2`)

	ts.live = &model.JobReport{JobID: "job-5", Status: model.StatusRunning, Records: 4}
	body = ts.get(t, "/metrics").Body.String()
	assert.Contains(t, body, `puller_job_records{job_id="job-5"} 4`)
}

func TestSwaggerIsMounted(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get(t, "/swagger/doc.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Accurate Puller API")
}
