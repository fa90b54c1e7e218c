package pipeline

import (
	"context"
	"errors"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/store"
)

type fakeJobs struct {
	mu         sync.Mutex
	unfinished *model.JobSummary
	saved      map[string]model.JobSpec
	statuses   []model.JobStatus
	errs       []string
	reports    []model.JobReport
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{saved: make(map[string]model.JobSpec)}
}

func (f *fakeJobs) SaveJob(_ context.Context, jobID string, spec model.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[jobID] = spec
	return nil
}

func (f *fakeJobs) UpdateJobStatus(_ context.Context, _ string, status model.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeJobs) SaveJobError(_ context.Context, _ string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err.Error())
	return nil
}

func (f *fakeJobs) SaveReport(_ context.Context, report model.JobReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeJobs) UnfinishedJob(context.Context, string) (*model.JobSummary, error) {
	return f.unfinished, nil
}

func enrichedByID(t *testing.T, h *harness) map[float64]model.PulledRecord {
	t.Helper()
	out := make(map[float64]model.PulledRecord)
	for _, r := range h.records(EnrichedDataset("items")) {
		out[r.Data["id"].(float64)] = r
	}
	return out
}

func sequence(n int) []float64 {
	out := make([]float64, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, float64(i))
	}
	return out
}

func TestRunCompletesAndClearsCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.api.lists[itemsPath][2]["unitPrice"] = nil
	jobs := newFakeJobs()
	h.jobs = jobs

	o := h.orchestrator()
	_, ok := o.Snapshot()
	assert.False(t, ok)

	out, err := o.Run(context.Background(), ModeAuto)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.False(t, out.Resumed)
	assert.False(t, h.checkpoints.Exists(), "completed job leaves no checkpoint")
	assert.Equal(t, sequence(5), h.ids("items"))
	assert.Equal(t, []float64{7, 8}, h.ids("customers"))
	assert.Len(t, h.records("sales_details"), 1)
	assert.Equal(t, []int{1, 2, 3}, h.api.pages(itemsPath))

	items := enrichedByID(t, h)
	require.Len(t, items, 5)
	assert.Equal(t, 12000.0, items[1].Data["selling_price"])
	assert.Equal(t, "api", items[1].Tiers["selling_price"])
	assert.Equal(t, 2000.0, items[2].Data["selling_price"])
	assert.Equal(t, "item_unit_price", items[2].Tiers["selling_price"])
	assert.Equal(t, 15000.0, items[3].Data["selling_price"])
	assert.Equal(t, "sales_detail_avg", items[3].Tiers["selling_price"])
	assert.Equal(t, 1500.0, items[4].Data["avg_cost"])

	report := out.Report
	assert.Equal(t, out.JobID, report.JobID)
	assert.Equal(t, map[string]int{"api": 1, "item_unit_price": 3, "sales_detail_avg": 1}, report.Tiers["selling_price"])
	assert.Equal(t, map[string]int{"api": 5}, report.Tiers["avg_cost"])
	assert.Equal(t, int64(1), report.Quality["items"]["unitPrice"].Nulls)
	assert.Equal(t, 20.0, report.Quality["items"]["unitPrice"].NullPct)
	assert.Equal(t, 5, report.Endpoints["items"].Records)
	assert.Equal(t, 3, report.Endpoints["items"].Pages)
	assert.Equal(t, 4, report.Endpoints["selling_prices"].SkippedLookups)
	assert.Equal(t, model.EndpointCompleted, report.Endpoints["sales_invoices"].Outcome)
	assert.Len(t, report.Phases, 3)

	snap, ok := o.Snapshot()
	assert.True(t, ok)
	assert.Equal(t, out.JobID, snap.JobID)

	require.Contains(t, jobs.saved, out.JobID)
	assert.Equal(t, "memory", jobs.saved[out.JobID].Sink)
	assert.Equal(t, []model.JobStatus{model.StatusCompleted}, jobs.statuses)
	assert.Empty(t, jobs.errs)
	require.Len(t, jobs.reports, 1)
}

func TestResumeAfterFatalMatchesUninterruptedRun(t *testing.T) {
	baseline := newHarness(t)
	baseline.api.lists[itemsPath] = itemRows(17)
	_, err := baseline.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)

	h := newHarness(t)
	h.api.lists[itemsPath] = itemRows(17)
	h.cfg.CheckpointInterval = 6
	h.api.setHook(failPage(itemsPath, 5, pullerr.Fatal("execute", pullerr.ErrUnauthorized)))

	out, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.Error(t, err)
	assert.True(t, pullerr.IsFatal(err))
	assert.Equal(t, model.StatusFailed, out.Status)

	st, err := h.checkpoints.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Progress("items").LastPage, "page 4 was committed to the sink but not yet checkpointed")
	assert.Equal(t, model.EndpointInProgress, st.Progress("items").Status)

	h.api.reset()
	out, err = h.orchestrator().Run(context.Background(), ModeResume)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.True(t, out.Resumed)
	assert.Equal(t, st.JobID, out.JobID)
	assert.Equal(t, []int{4, 5, 6, 7, 8, 9}, h.api.pages(itemsPath))
	assert.Equal(t, baseline.ids("items"), h.ids("items"))
	assert.Equal(t, sequence(17), h.ids("items"))
	assert.Equal(t, baseline.ids("customers"), h.ids("customers"))
	assert.Len(t, h.records(EnrichedDataset("items")), 17)
}

func TestFatalErrorFreezesCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.api.setHook(failPage(itemsPath, 3, pullerr.Fatal("execute", pullerr.ErrUnauthorized)))

	out, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.Error(t, err)
	assert.ErrorIs(t, err, pullerr.ErrUnauthorized)
	assert.Equal(t, model.StatusFailed, out.Status)

	st, err := h.checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Progress("items").LastPage)
	assert.Zero(t, h.api.callCount(customersPath))
}

func TestNonCriticalFailureSkipsAndResumeRetries(t *testing.T) {
	h := newHarness(t)
	h.api.setHook(failPage(customersPath, 1,
		pullerr.Exhausted(customersPath, 4, 503, errors.New("unavailable"))))

	out, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompletedWithSkips, out.Status)
	assert.Equal(t, model.EndpointSkipped, out.Report.Endpoints["customers"].Outcome)
	assert.Equal(t, model.EndpointSkipped, out.Report.Endpoints["sales_invoices"].Outcome)
	assert.Contains(t, out.Report.Endpoints["sales_invoices"].Reason, "customers")
	assert.Zero(t, h.api.callCount(invoicesPath), "dependant never calls the API")
	assert.Len(t, h.records(EnrichedDataset("items")), 5, "enrichment runs on what was pulled")

	require.True(t, h.checkpoints.Exists(), "skips keep the checkpoint for a retry")
	st, err := h.checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDone, st.Phase)
	assert.Equal(t, model.EndpointSkipped, st.Progress("customers").Status)

	h.api.reset()
	out, err = h.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.True(t, out.Resumed)
	assert.Equal(t, []string{"customers", "sales_invoices"}, out.Reopened)
	assert.Zero(t, h.api.callCount(itemsPath), "completed endpoints are not pulled again")
	assert.Equal(t, []float64{7, 8}, h.ids("customers"))
	assert.Len(t, h.records("sales_details"), 1)
	assert.False(t, h.checkpoints.Exists())
}

func TestSkippedPrerequisiteSkipsCriticalDependant(t *testing.T) {
	h := newHarness(t)
	for i := range h.endpoints {
		if h.endpoints[i].Name == "sales_invoices" {
			h.endpoints[i].Critical = true
		}
	}
	h.api.setHook(failPage(customersPath, 1,
		pullerr.Exhausted(customersPath, 4, 503, errors.New("unavailable"))))

	out, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompletedWithSkips, out.Status)
	assert.Equal(t, model.EndpointSkipped, out.Report.Endpoints["sales_invoices"].Outcome)
	assert.Zero(t, h.api.callCount(invoicesPath))
	assert.True(t, h.checkpoints.Exists())
}

func TestCriticalFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.api.setHook(failPage(itemsPath, 2,
		pullerr.Exhausted(itemsPath, 4, 502, errors.New("bad gateway"))))

	out, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.Error(t, err)
	assert.True(t, pullerr.IsRetryable(err))
	assert.Equal(t, model.StatusAborted, out.Status)
	assert.Zero(t, h.api.callCount(customersPath))

	st, err := h.checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Progress("items").LastPage)
}

func TestCancellationIsResumable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.api.setHook(func(_ context.Context, path string, params url.Values) error {
		if path == itemsPath && params.Get("sp.page") == "3" {
			cancel()
			return context.Canceled
		}
		return nil
	})

	out, err := h.orchestrator().Run(ctx, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAborted, out.Status)

	st, err := h.checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Progress("items").LastPage)

	h.api.reset()
	out, err = h.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, []int{3}, h.api.pages(itemsPath))
	assert.Equal(t, sequence(5), h.ids("items"))
}

func TestResumeRefusesEmptyMemorySink(t *testing.T) {
	h := newHarness(t)
	h.api.lists[itemsPath] = itemRows(9)
	h.api.setHook(failPage(itemsPath, 3, pullerr.Fatal("execute", pullerr.ErrUnauthorized)))

	_, err := h.orchestrator().Run(context.Background(), ModeAuto)
	require.Error(t, err)
	before, err := h.checkpoints.Load()
	require.NoError(t, err)
	require.Equal(t, 2, before.Progress("items").LastPage)

	// a new process starts with nothing in memory
	h.sink = store.NewMemorySink()
	h.api.reset()
	out, err := h.orchestrator().Run(context.Background(), ModeResume)
	require.Error(t, err)
	assert.True(t, pullerr.IsFatal(err))
	assert.ErrorIs(t, err, pullerr.ErrSinkLost)
	assert.Contains(t, err.Error(), "memory")
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Empty(t, h.api.calls)

	after, err := h.checkpoints.Load()
	require.NoError(t, err)
	assert.Equal(t, before.Progress("items"), after.Progress("items"), "checkpoint is left for a durable retry")
}

func TestStartupRefusals(t *testing.T) {
	t.Run("corrupt checkpoint", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.WriteFile(h.checkpoints.Path(), []byte(`{"schema_version":1,"checksum":"x","state":{}`), 0o644))

		out, err := h.orchestrator().Run(context.Background(), ModeAuto)
		require.Error(t, err)
		assert.True(t, pullerr.IsFatal(err))
		assert.ErrorIs(t, err, pullerr.ErrCorruptCheckpoint)
		assert.Equal(t, model.StatusFailed, out.Status)
		assert.Empty(t, h.api.calls)
	})

	t.Run("resume without checkpoint", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orchestrator().Run(context.Background(), ModeResume)
		assert.ErrorIs(t, err, pullerr.ErrMissingCheckpoint)
		assert.False(t, h.checkpoints.Exists())
	})

	t.Run("fresh over checkpoint", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.checkpoints.Save(model.NewCheckpointState("job-1", testDates(t), time.Now())))
		_, err := h.orchestrator().Run(context.Background(), ModeFresh)
		assert.ErrorIs(t, err, pullerr.ErrCheckpointExists)
		assert.Empty(t, h.api.calls)
	})

	t.Run("registry knows an unfinished job", func(t *testing.T) {
		h := newHarness(t)
		jobs := newFakeJobs()
		jobs.unfinished = &model.JobSummary{ID: "job-9", Status: model.StatusAborted}
		h.jobs = jobs

		_, err := h.orchestrator().Run(context.Background(), ModeAuto)
		require.Error(t, err)
		assert.True(t, pullerr.IsFatal(err))
		assert.ErrorIs(t, err, pullerr.ErrMissingCheckpoint)
		assert.Contains(t, err.Error(), "job-9")
	})

	t.Run("checkpoint for other dates", func(t *testing.T) {
		h := newHarness(t)
		other, err := model.ParseDateRange("2023-01-01", "2023-01-31")
		require.NoError(t, err)
		require.NoError(t, h.checkpoints.Save(model.NewCheckpointState("job-2", other, time.Now())))

		_, err = h.orchestrator().Run(context.Background(), ModeAuto)
		require.Error(t, err)
		assert.True(t, pullerr.IsFatal(err))
		assert.Empty(t, h.api.calls)
	})
}

func TestWorkersProduceSameData(t *testing.T) {
	seq := newHarness(t)
	_, err := seq.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)

	par := newHarness(t)
	par.cfg.Workers = 3
	out, err := par.orchestrator().Run(context.Background(), ModeAuto)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	for _, ds := range []string{"items", "customers", "sales_invoices"} {
		assert.Equal(t, seq.ids(ds), par.ids(ds), ds)
	}
	assert.Equal(t, len(seq.records("selling_prices")), len(par.records("selling_prices")))
}

func TestDisabledPhaseIsLeftOut(t *testing.T) {
	h := newHarness(t)
	h.cfg.EnabledPhases = []model.Phase{model.PhaseMasterData}

	o := h.orchestrator()
	for _, ep := range o.Endpoints() {
		assert.Equal(t, model.PhaseMasterData, ep.Phase)
	}

	out, err := o.Run(context.Background(), ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Zero(t, h.api.callCount(invoicesPath))
	assert.Len(t, h.records(EnrichedDataset("items")), 5)
}

func TestNewOrchestratorRejectsBrokenCatalog(t *testing.T) {
	h := newHarness(t)
	h.endpoints = append(h.endpoints, Endpoint{Name: "items", Phase: model.PhaseMasterData, Path: itemsPath})

	_, err := NewOrchestrator(Options{
		Config:      h.cfg,
		Endpoints:   h.endpoints,
		Client:      h.api,
		Checkpoints: h.checkpoints,
		OpenSink: func(context.Context, string) (store.Sink, error) {
			return h.sink, nil
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listed twice")
}
