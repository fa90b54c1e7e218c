package pipeline

import (
	"sort"
	"sync"
	"time"

	"go-accurate-puller/internal/model"
)

// StatsSource exposes transport counters keyed by endpoint path.
// *transport.Stats implements it.
type StatsSource interface {
	Snapshot() map[string]model.EndpointStats
}

// JobTracker accumulates what a run did, for the job report
type JobTracker struct {
	mu        sync.Mutex
	jobID     string
	startedAt time.Time
	now       func() time.Time

	phases    map[model.Phase]*model.PhaseReport
	endpoints map[string]*model.EndpointReport
	epStarted map[string]time.Time
	paths     map[string][]string
}

// NewJobTracker starts tracking a job
func NewJobTracker(jobID string, now func() time.Time) *JobTracker {
	if now == nil {
		now = time.Now
	}
	return &JobTracker{
		jobID:     jobID,
		startedAt: now(),
		now:       now,
		phases:    make(map[model.Phase]*model.PhaseReport),
		endpoints: make(map[string]*model.EndpointReport),
		epStarted: make(map[string]time.Time),
		paths:     make(map[string][]string),
	}
}

// StartPhase opens the timing of a phase
func (t *JobTracker) StartPhase(p model.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases[p] = &model.PhaseReport{Phase: p, StartedAt: t.now()}
}

// EndPhase closes the timing of a phase
func (t *JobTracker) EndPhase(p model.Phase, completed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.phases[p]
	if !ok {
		return
	}
	pr.Duration = t.now().Sub(pr.StartedAt)
	pr.Completed = completed
}

// Register makes an endpoint known to the report, whether or not it runs
func (t *JobTracker) Register(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.endpoints[ep.Name]; ok {
		return
	}
	t.endpoints[ep.Name] = &model.EndpointReport{Dataset: ep.Name, Phase: ep.Phase, Outcome: model.EndpointPending}
	paths := []string{ep.Path}
	if ep.Detail != nil {
		paths = append(paths, ep.Detail.Path)
	}
	t.paths[ep.Name] = paths
}

// StartEndpoint marks an endpoint as running
func (t *JobTracker) StartEndpoint(ep Endpoint) {
	t.Register(ep)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epStarted[ep.Name] = t.now()
	t.endpoints[ep.Name].Outcome = model.EndpointInProgress
}

// RecordPage counts one committed page
func (t *JobTracker) RecordPage(name string, skipped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	er, ok := t.endpoints[name]
	if !ok {
		return
	}
	er.Pages++
	er.SkippedLookups += skipped
}

// EndEndpoint stores the outcome of an endpoint
func (t *JobTracker) EndEndpoint(name string, outcome model.EndpointStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	er, ok := t.endpoints[name]
	if !ok {
		return
	}
	er.Outcome = outcome
	er.Reason = reason
	if started, ok := t.epStarted[name]; ok {
		er.Duration = t.now().Sub(started)
	}
}

// Report assembles the job report. Record counts and outcomes of endpoints
// finished by an earlier run come from the checkpoint state.
func (t *JobTracker) Report(status model.JobStatus, state *model.CheckpointState, stats StatsSource) model.JobReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	var snapshot map[string]model.EndpointStats
	if stats != nil {
		snapshot = stats.Snapshot()
	}

	report := model.JobReport{
		JobID:     t.jobID,
		Status:    status,
		StartedAt: t.startedAt,
		Duration:  t.now().Sub(t.startedAt),
		Endpoints: make(map[string]model.EndpointReport, len(t.endpoints)),
		Tiers:     make(map[string]map[string]int),
		Quality:   make(map[string]map[string]model.FieldQuality),
	}
	if state != nil && !state.StartedAt.IsZero() {
		report.StartedAt = state.StartedAt
	}

	for name, er := range t.endpoints {
		out := *er
		if state != nil {
			p := state.Progress(name)
			out.Records = p.Records
			if out.Outcome == model.EndpointPending || out.Outcome == model.EndpointInProgress {
				out.Outcome = p.Status
				if out.Reason == "" {
					out.Reason = p.Reason
				}
			}
		}
		for _, path := range t.paths[name] {
			s := snapshot[path]
			out.Stats.SuccessfulRequests += s.SuccessfulRequests
			out.Stats.FailedRequests += s.FailedRequests
			out.Stats.RateLimitHits += s.RateLimitHits
			out.Stats.TotalLatency += s.TotalLatency
		}
		report.Records += out.Records
		report.Endpoints[name] = out
	}

	for _, p := range model.PhaseOrder {
		if pr, ok := t.phases[p]; ok {
			report.Phases = append(report.Phases, *pr)
		}
	}
	sort.SliceStable(report.Phases, func(i, j int) bool {
		return report.Phases[i].StartedAt.Before(report.Phases[j].StartedAt)
	})
	return report
}
