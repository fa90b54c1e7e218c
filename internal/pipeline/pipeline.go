package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/store"
)

// RunMode selects how a run treats an existing checkpoint
type RunMode string

const (
	// ModeAuto resumes when a checkpoint exists and starts fresh otherwise.
	ModeAuto RunMode = "auto"
	// ModeFresh refuses to run over an existing checkpoint.
	ModeFresh RunMode = "fresh"
	// ModeResume refuses to run without a checkpoint.
	ModeResume RunMode = "resume"
)

// JobRecorder is the job registry a run reports to. *store.JobStore implements it.
type JobRecorder interface {
	SaveJob(ctx context.Context, jobID string, spec model.JobSpec) error
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	SaveJobError(ctx context.Context, jobID string, err error) error
	SaveReport(ctx context.Context, report model.JobReport) error
	UnfinishedJob(ctx context.Context, checkpointPath string) (*model.JobSummary, error)
}

// Options wires an Orchestrator. Client, Checkpoints and OpenSink are required.
type Options struct {
	Config      model.PullerConfig
	Dates       model.DateRange
	Endpoints   []Endpoint
	Rules       []model.FallbackRule
	Client      PageFetcher
	Stats       StatsSource
	Checkpoints *store.CheckpointStore
	OpenSink    store.SinkFactory
	SinkKind    string
	Jobs        JobRecorder
	Logger      *slog.Logger
	Now         func() time.Time
	NewJobID    func() string
}

// Outcome is the result of one Run
type Outcome struct {
	JobID    string
	Status   model.JobStatus
	Report   model.JobReport
	Resumed  bool
	Reopened []string
}

// Orchestrator sequences the phases of a pull job and owns its checkpoint
type Orchestrator struct {
	opts      Options
	endpoints []Endpoint
	byName    map[string]Endpoint
	producers map[string]Endpoint
	rules     map[string][]model.FallbackRule
	pager     *Paginator
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *run
}

// run is the mutable state of one Run. mu serializes checkpoint writes.
type run struct {
	mu        sync.Mutex
	state     model.CheckpointState
	sinceSave int
	failed    bool

	checkpoints *store.CheckpointStore
	sink        store.Sink
	tracker     *JobTracker
}

// NewOrchestrator validates the endpoint catalog against the enabled phases
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Client == nil || opts.Checkpoints == nil || opts.OpenSink == nil {
		return nil, errors.New("orchestrator: client, checkpoint store and sink factory are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewJobID == nil {
		opts.NewJobID = func() string { return uuid.New().String() }
	}
	if opts.Endpoints == nil {
		opts.Endpoints = DefaultEndpoints()
	}

	var enabled []Endpoint
	for _, ep := range opts.Endpoints {
		if opts.Config.PhaseEnabled(ep.Phase) {
			enabled = append(enabled, ep)
		}
	}
	if err := validateCatalog(enabled); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		opts:      opts,
		endpoints: enabled,
		byName:    make(map[string]Endpoint, len(enabled)),
		producers: producerIndex(enabled),
		rules:     make(map[string][]model.FallbackRule),
		pager:     NewPaginator(opts.Logger),
		log:       opts.Logger.With("component", "orchestrator"),
		now:       opts.Now,
	}
	for _, ep := range enabled {
		o.byName[ep.Name] = ep
	}
	for ds, rules := range rulesByDataset(opts.Rules) {
		if _, ok := o.producers[ds]; ok {
			o.rules[ds] = rules
		}
	}
	return o, nil
}

// Endpoints returns the enabled catalog in run order
func (o *Orchestrator) Endpoints() []Endpoint {
	return append([]Endpoint(nil), o.endpoints...)
}

// Run executes the job. Cancellation returns StatusAborted with a nil
// error and leaves the checkpoint at the last committed page.
func (o *Orchestrator) Run(ctx context.Context, mode RunMode) (*Outcome, error) {
	state, resumed, reopened, err := o.prepare(ctx, mode)
	if err != nil {
		return &Outcome{Status: model.StatusFailed}, err
	}
	log := o.log.With("job_id", state.JobID)
	if resumed {
		log.Info("↩️ resuming job", "phase", state.Phase, "endpoint", state.Endpoint,
			"last_page", state.LastPage, "records", state.Records, "reopened", reopened)
	} else {
		log.Info("🚀 starting job", "start", state.StartDate, "end", state.EndDate, "endpoints", len(o.endpoints))
	}

	sink, err := o.opts.OpenSink(ctx, state.JobID)
	if err != nil {
		return &Outcome{JobID: state.JobID, Status: model.StatusAborted, Resumed: resumed}, fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			log.Warn("close sink", "error", cerr)
		}
	}()
	if resumed {
		if err := o.checkSinkHolds(ctx, sink, &state); err != nil {
			return &Outcome{JobID: state.JobID, Status: model.StatusFailed, Resumed: true}, err
		}
	}

	r := &run{
		state:       state,
		checkpoints: o.opts.Checkpoints,
		sink:        sink,
		tracker:     NewJobTracker(state.JobID, o.now),
	}
	for _, ep := range o.endpoints {
		r.tracker.Register(ep)
	}
	o.mu.Lock()
	o.current = r
	o.mu.Unlock()

	o.recordStart(ctx, state.JobID, log)

	status, runErr := o.execute(ctx, r, log)

	// wrap-up must finish even when the run was cancelled
	wctx := context.WithoutCancel(ctx)
	report := o.buildReport(wctx, r, status, runErr, log)
	o.recordEnd(wctx, state.JobID, status, runErr, report, log)

	log.Info("📊 job finished", "status", status, "records", report.Records,
		"duration", report.Duration.Round(time.Millisecond))
	return &Outcome{
		JobID:    state.JobID,
		Status:   status,
		Report:   report,
		Resumed:  resumed,
		Reopened: reopened,
	}, runErr
}

// Snapshot reports the running (or last) job without waiting for it
func (o *Orchestrator) Snapshot() (model.JobReport, bool) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return model.JobReport{}, false
	}
	r.mu.Lock()
	state := r.state.Clone()
	r.mu.Unlock()
	return r.tracker.Report(model.StatusRunning, &state, o.opts.Stats), true
}

// ------------------- Start-up -------------------

func (o *Orchestrator) prepare(ctx context.Context, mode RunMode) (model.CheckpointState, bool, []string, error) {
	path := o.opts.Checkpoints.Path()
	loaded, err := o.opts.Checkpoints.Load()
	if err != nil {
		return model.CheckpointState{}, false, nil, err
	}

	switch mode {
	case ModeFresh:
		if loaded != nil {
			return model.CheckpointState{}, false, nil, pullerr.Fatal("start",
				fmt.Errorf("%w at %s (job %s); resume it or clear it first", pullerr.ErrCheckpointExists, path, loaded.JobID))
		}
	case ModeResume:
		if loaded == nil {
			return model.CheckpointState{}, false, nil, pullerr.Fatal("resume",
				fmt.Errorf("%w at %s", pullerr.ErrMissingCheckpoint, path))
		}
	case ModeAuto:
		if loaded == nil && o.opts.Jobs != nil {
			job, err := o.opts.Jobs.UnfinishedJob(ctx, path)
			if err != nil {
				return model.CheckpointState{}, false, nil, fmt.Errorf("check job registry: %w", err)
			}
			if job != nil {
				return model.CheckpointState{}, false, nil, pullerr.Fatal("start",
					fmt.Errorf("%w: job %s is %s but %s is gone; restore the checkpoint or clear the job",
						pullerr.ErrMissingCheckpoint, job.ID, job.Status, path))
			}
		}
	default:
		return model.CheckpointState{}, false, nil, fmt.Errorf("unknown run mode %q", mode)
	}

	if loaded == nil {
		st := model.NewCheckpointState(o.opts.NewJobID(), o.opts.Dates, o.now())
		if err := o.opts.Checkpoints.Save(st); err != nil {
			return model.CheckpointState{}, false, nil, fmt.Errorf("write initial checkpoint: %w", err)
		}
		return st, false, nil, nil
	}

	st := *loaded
	if st.StartDate != o.opts.Dates.StartString() || st.EndDate != o.opts.Dates.EndString() {
		return model.CheckpointState{}, false, nil, pullerr.Fatal("resume",
			fmt.Errorf("checkpoint of job %s covers %s to %s, not %s to %s",
				st.JobID, st.StartDate, st.EndDate, o.opts.Dates.StartString(), o.opts.Dates.EndString()))
	}
	reopened := st.ReopenSkipped(o.phaseOf)
	if len(reopened) > 0 {
		o.reopenEnrichment(&st, reopened)
		if err := o.opts.Checkpoints.Save(st); err != nil {
			return model.CheckpointState{}, false, nil, fmt.Errorf("write reopened checkpoint: %w", err)
		}
	}
	return st, true, reopened, nil
}

// checkSinkHolds refuses to resume into a sink that lost the pages the
// checkpoint counts as committed, e.g. a memory sink in a new process.
func (o *Orchestrator) checkSinkHolds(ctx context.Context, sink store.Sink, st *model.CheckpointState) error {
	if store.Durable(sink) {
		return nil
	}
	committed := false
	for _, p := range st.Endpoints {
		if p.LastPage > 0 || p.Records > 0 {
			committed = true
			break
		}
	}
	if !committed {
		return nil
	}
	datasets, err := sink.Datasets(ctx)
	if err != nil {
		return fmt.Errorf("list sink datasets: %w", err)
	}
	if len(datasets) > 0 {
		return nil
	}
	return pullerr.Fatal("resume", fmt.Errorf("%w: job %s has %d records checkpointed but the %s sink is empty; clear the checkpoint and pull fresh, or use a durable sink",
		pullerr.ErrSinkLost, st.JobID, st.Records, o.opts.SinkKind))
}

func (o *Orchestrator) phaseOf(name string) model.Phase {
	return o.byName[name].Phase
}

// reopenEnrichment invalidates enrichment that used a reopened endpoint's data
func (o *Orchestrator) reopenEnrichment(st *model.CheckpointState, reopened []string) {
	touched := make(map[string]bool)
	for _, name := range reopened {
		for _, ds := range o.byName[name].Datasets() {
			touched[ds] = true
		}
	}
	for ds, rules := range o.rules {
		deps := []string{ds}
		for _, rule := range rules {
			deps = append(deps, rule.SourceDatasets()...)
		}
		for _, d := range deps {
			if touched[d] && st.EndpointDone(enrichUnit(ds)) {
				st.MarkEndpoint(enrichUnit(ds), model.EndpointPending, "", o.now())
				break
			}
		}
	}
}

// ------------------- Phases -------------------

func (o *Orchestrator) execute(ctx context.Context, r *run, log *slog.Logger) (model.JobStatus, error) {
	for _, phase := range model.PhaseOrder {
		if !o.opts.Config.PhaseEnabled(phase) {
			continue
		}
		if r.phaseComplete(phase) {
			log.Info("⏭️ phase already complete", "phase", phase)
			continue
		}

		eps := o.phaseEndpoints(phase)
		r.tracker.StartPhase(phase)
		log.Info("📦 starting phase", "phase", phase, "endpoints", len(eps))

		if err := o.runPhase(ctx, r, eps); err != nil {
			r.tracker.EndPhase(phase, false)
			return o.stop(r, err, log)
		}
		if err := o.enrichReady(ctx, r, log); err != nil {
			r.tracker.EndPhase(phase, false)
			return o.stop(r, err, log)
		}
		if err := r.commitPhase(phase, o.now()); err != nil {
			r.tracker.EndPhase(phase, false)
			return o.stop(r, err, log)
		}
		r.tracker.EndPhase(phase, true)
		log.Info("✅ phase complete", "phase", phase)
	}
	if err := o.enrichReady(ctx, r, log); err != nil {
		return o.stop(r, err, log)
	}

	var skipped []string
	for _, ep := range o.endpoints {
		if r.progress(ep.Name).Status == model.EndpointSkipped {
			skipped = append(skipped, ep.Name)
		}
	}
	if len(skipped) > 0 {
		if err := r.finishJob(o.now()); err != nil {
			log.Error("save final checkpoint", "error", err)
		}
		log.Warn("⚠️ completed with skipped endpoints; checkpoint kept for a retry", "skipped", skipped)
		return model.StatusCompletedWithSkips, nil
	}
	if err := o.opts.Checkpoints.Clear(); err != nil {
		log.Error("clear checkpoint", "error", err)
	}
	return model.StatusCompleted, nil
}

// stop turns a run-ending error into the job status
func (o *Orchestrator) stop(r *run, err error, log *slog.Logger) (model.JobStatus, error) {
	switch decide(err, true) {
	case DecideFail:
		r.markFailed()
		log.Error("💥 fatal error, job failed", "error", err)
		return model.StatusFailed, err
	case DecideCancel:
		if serr := r.save(); serr != nil {
			log.Error("save checkpoint on cancel", "error", serr)
		}
		log.Warn("⏸️ job cancelled; resumable from checkpoint", "checkpoint", o.opts.Checkpoints.Path())
		return model.StatusAborted, nil
	default:
		if serr := r.save(); serr != nil {
			log.Error("save checkpoint on abort", "error", serr)
		}
		log.Error("🛑 job aborted; resumable from checkpoint", "error", err, "checkpoint", o.opts.Checkpoints.Path())
		return model.StatusAborted, err
	}
}

func (o *Orchestrator) phaseEndpoints(p model.Phase) []Endpoint {
	var out []Endpoint
	for _, ep := range o.endpoints {
		if ep.Phase == p {
			out = append(out, ep)
		}
	}
	return out
}

// runPhase runs a phase in waves. A wave holds the endpoints whose
// prerequisites inside the phase have already run.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, eps []Endpoint) error {
	pending := eps
	for len(pending) > 0 {
		waiting := make(map[string]bool)
		for _, ep := range pending {
			for _, ds := range ep.Datasets() {
				waiting[ds] = true
			}
		}
		var wave, rest []Endpoint
		for _, ep := range pending {
			blocked := false
			for _, pre := range ep.prerequisites() {
				if waiting[pre] {
					blocked = true
					break
				}
			}
			if blocked {
				rest = append(rest, ep)
			} else {
				wave = append(wave, ep)
			}
		}
		if len(wave) == 0 {
			return pullerr.Fatal("schedule", fmt.Errorf("circular prerequisites among %d endpoints", len(pending)))
		}
		if err := o.runWave(ctx, r, wave); err != nil {
			return err
		}
		pending = rest
	}
	return nil
}

func (o *Orchestrator) runWave(ctx context.Context, r *run, wave []Endpoint) error {
	workers := o.opts.Config.Workers
	if workers <= 1 || len(wave) == 1 {
		for _, ep := range wave {
			if err := o.pullEndpoint(ctx, r, ep); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ep := range wave {
		g.Go(func() error { return o.pullEndpoint(gctx, r, ep) })
	}
	return g.Wait()
}

// ------------------- Endpoints -------------------

// pullEndpoint runs one endpoint and applies the failure policy. Only
// errors that end the job are returned.
func (o *Orchestrator) pullEndpoint(ctx context.Context, r *run, ep Endpoint) error {
	log := o.log.With("job_id", r.jobID(), "endpoint", ep.Name)
	if r.endpointDone(ep.Name) {
		log.Debug("endpoint already complete")
		return nil
	}

	err := o.pull(ctx, r, ep, log)
	if err == nil {
		return nil
	}

	d := decide(err, ep.Critical)
	if d == DecideSkip && ctx.Err() != nil {
		d, err = DecideCancel, ctx.Err()
	}
	switch d {
	case DecideSkip:
		log.Warn("⚠️ endpoint skipped", "error", err)
		r.tracker.EndEndpoint(ep.Name, model.EndpointSkipped, err.Error())
		return r.finishEndpoint(ep.Name, model.EndpointSkipped, err.Error(), o.now())
	case DecideFail:
		r.markFailed()
		r.tracker.EndEndpoint(ep.Name, model.EndpointInProgress, err.Error())
		return err
	default:
		r.tracker.EndEndpoint(ep.Name, model.EndpointInProgress, err.Error())
		return err
	}
}

func (o *Orchestrator) pull(ctx context.Context, r *run, ep Endpoint, log *slog.Logger) error {
	for _, pre := range ep.prerequisites() {
		p := o.producers[pre]
		if !r.endpointDone(p.Name) {
			return pullerr.Permanent("dependency", ep.Name, 0,
				fmt.Errorf("%w: %s is %s", pullerr.ErrDependency, p.Name, r.progress(p.Name).Status))
		}
	}

	r.tracker.StartEndpoint(ep)
	progress := r.progress(ep.Name)
	cfg := o.opts.Config

	var src PageSource
	maxPages := ep.MaxPages
	if maxPages == 0 {
		maxPages = cfg.MaxPages
	}
	switch ep.Kind {
	case FanOutSource:
		drivers, err := o.drivers(ctx, r.sink, ep)
		if err != nil {
			return fmt.Errorf("load %s for %s: %w", ep.DependsOn, ep.Name, err)
		}
		fo := newFanOutSource(o.opts.Client, ep, drivers, o.opts.Dates, cfg.PageSize, log)
		src, maxPages = fo, fo.Pages()
		log.Info("🔎 fan-out lookups", "lookups", len(drivers), "pages", maxPages)
	default:
		src = newListSource(o.opts.Client, ep, o.opts.Dates, cfg.PageSize, log)
	}
	if progress.LastPage > 0 {
		log.Info("↩️ resuming endpoint", "from_page", progress.LastPage+1, "records", progress.Records)
	}

	res, err := o.pager.Run(ctx, PageRun{
		Endpoint:  ep,
		Source:    src,
		StartPage: progress.LastPage + 1,
		MaxPages:  maxPages,
		Complete:  func() bool { return r.endpointDone(ep.Name) },
		Commit: func(pr PageResult) error {
			return o.commit(ctx, r, ep, pr, log)
		},
	})
	if err != nil {
		return err
	}

	for _, ds := range ep.Datasets() {
		if err := r.sink.Finalize(ctx, ds); err != nil {
			return fmt.Errorf("finalize %s: %w", ds, err)
		}
	}
	log.Info("✅ endpoint complete", "pages", res.Pages, "records", res.RecordCount,
		"skipped_lookups", res.SkippedLookups, "reason", res.Reason)
	r.tracker.EndEndpoint(ep.Name, model.EndpointCompleted, res.Reason)
	return r.finishEndpoint(ep.Name, model.EndpointCompleted, res.Reason, o.now())
}

// commit hands a page to the sink, then records it in the checkpoint
func (o *Orchestrator) commit(ctx context.Context, r *run, ep Endpoint, pr PageResult, log *slog.Logger) error {
	byDataset := make(map[string][]model.PulledRecord, 2)
	for _, rec := range pr.Records {
		byDataset[rec.Dataset] = append(byDataset[rec.Dataset], rec)
	}
	for _, ds := range ep.Datasets() {
		if err := r.sink.Append(ctx, ds, pr.Page, byDataset[ds]); err != nil {
			return fmt.Errorf("append %s page %d: %w", ds, pr.Page, err)
		}
	}

	r.tracker.RecordPage(ep.Name, pr.SkippedLookups)
	saved, err := r.markPage(ep, pr.Page, len(pr.Records), o.now(), o.opts.Config.CheckpointInterval)
	if err != nil {
		return err
	}
	if pr.Page%5 == 0 || !pr.More {
		log.Info("📄 page committed", "page", pr.Page, "records", len(pr.Records), "checkpointed", saved)
	}
	return nil
}

// drivers reads the prerequisite dataset of a fan-out endpoint in sink order
func (o *Orchestrator) drivers(ctx context.Context, sink store.Sink, ep Endpoint) ([]model.Record, error) {
	var out []model.Record
	err := sink.Iterate(ctx, ep.DependsOn, func(r model.PulledRecord) error {
		if ep.Include == nil || ep.Include(r.Data) {
			out = append(out, r.Data)
		}
		return nil
	})
	return out, err
}

// ------------------- Enrichment -------------------

func enrichUnit(dataset string) string { return "enrich:" + dataset }

// enrichReady enriches every dataset whose inputs are all settled
func (o *Orchestrator) enrichReady(ctx context.Context, r *run, log *slog.Logger) error {
	datasets := make([]string, 0, len(o.rules))
	for ds := range o.rules {
		datasets = append(datasets, ds)
	}
	sort.Strings(datasets)

	for _, ds := range datasets {
		if r.endpointDone(enrichUnit(ds)) || !o.enrichable(r, ds) {
			continue
		}
		if err := o.enrich(ctx, r, ds, log); err != nil {
			return fmt.Errorf("enrich %s: %w", ds, err)
		}
	}
	return nil
}

// enrichable needs the target committed and every source either settled or
// not part of this job
func (o *Orchestrator) enrichable(r *run, dataset string) bool {
	if !r.endpointDone(o.producers[dataset].Name) {
		return false
	}
	for _, rule := range o.rules[dataset] {
		for _, src := range rule.SourceDatasets() {
			p, ok := o.producers[src]
			if ok && !r.endpointTerminal(p.Name) {
				return false
			}
		}
	}
	return true
}

func (o *Orchestrator) enrich(ctx context.Context, r *run, dataset string, log *slog.Logger) error {
	resolver, err := NewResolver(ctx, o.rules[dataset], r.sink)
	if err != nil {
		return err
	}
	recs, err := store.Collect(ctx, r.sink, dataset)
	if err != nil {
		return err
	}

	target := EnrichedDataset(dataset)
	var batch []model.PulledRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.sink.Append(ctx, target, batch[0].Page, batch)
		batch = nil
		return err
	}
	for _, rec := range recs {
		if len(batch) > 0 && batch[0].Page != rec.Page {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, resolver.Apply(rec))
	}
	if err := flush(); err != nil {
		return err
	}
	if err := r.sink.Finalize(ctx, target); err != nil {
		return err
	}

	for rule, tiers := range resolver.TierCounts() {
		log.Info("🧩 fallback resolved", "dataset", dataset, "rule", rule, "tiers", formatTiers(tiers))
	}
	return r.finishEndpoint(enrichUnit(dataset), model.EndpointCompleted, "", o.now())
}

func formatTiers(tiers map[string]int) string {
	keys := make([]string, 0, len(tiers))
	for k := range tiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, tiers[k]))
	}
	return strings.Join(parts, " ")
}

// ------------------- Reporting -------------------

func (o *Orchestrator) buildReport(ctx context.Context, r *run, status model.JobStatus, runErr error, log *slog.Logger) model.JobReport {
	r.mu.Lock()
	state := r.state.Clone()
	r.mu.Unlock()

	report := r.tracker.Report(status, &state, o.opts.Stats)
	if runErr != nil {
		report.Error = runErr.Error()
	}

	for ds := range o.rules {
		if err := countTiers(ctx, r.sink, EnrichedDataset(ds), report.Tiers); err != nil {
			log.Warn("count fallback tiers", "dataset", ds, "error", err)
		}
	}
	for _, ep := range o.endpoints {
		if len(ep.Quality) == 0 || !state.EndpointDone(ep.Name) {
			continue
		}
		q, err := ProfileDataset(ctx, r.sink, ep.Name, ep.Quality)
		if err != nil {
			log.Warn("profile dataset", "dataset", ep.Name, "error", err)
			continue
		}
		report.Quality[ep.Name] = q
	}
	return report
}

// countTiers adds the tier of every enriched record to tiers
func countTiers(ctx context.Context, sink store.Sink, dataset string, tiers map[string]map[string]int) error {
	return sink.Iterate(ctx, dataset, func(r model.PulledRecord) error {
		for rule, tier := range r.Tiers {
			if tiers[rule] == nil {
				tiers[rule] = make(map[string]int)
			}
			tiers[rule][tier]++
		}
		return nil
	})
}

func (o *Orchestrator) recordStart(ctx context.Context, jobID string, log *slog.Logger) {
	if o.opts.Jobs == nil {
		return
	}
	spec := model.JobSpec{
		StartDate:      o.opts.Dates.StartString(),
		EndDate:        o.opts.Dates.EndString(),
		EnabledPhases:  o.opts.Config.EnabledPhases,
		CheckpointPath: o.opts.Checkpoints.Path(),
		Sink:           o.opts.SinkKind,
	}
	for _, ep := range o.endpoints {
		spec.Endpoints = append(spec.Endpoints, ep.Name)
	}
	if err := o.opts.Jobs.SaveJob(ctx, jobID, spec); err != nil {
		log.Warn("record job start", "error", err)
	}
}

func (o *Orchestrator) recordEnd(ctx context.Context, jobID string, status model.JobStatus, runErr error, report model.JobReport, log *slog.Logger) {
	if o.opts.Jobs == nil {
		return
	}
	if err := o.opts.Jobs.UpdateJobStatus(ctx, jobID, status); err != nil {
		log.Warn("record job status", "error", err)
	}
	if runErr != nil {
		if err := o.opts.Jobs.SaveJobError(ctx, jobID, runErr); err != nil {
			log.Warn("record job error", "error", err)
		}
	}
	if err := o.opts.Jobs.SaveReport(ctx, report); err != nil {
		log.Warn("record job report", "error", err)
	}
}

// ------------------- Run state -------------------

func (r *run) jobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.JobID
}

func (r *run) progress(name string) model.EndpointProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Progress(name)
}

func (r *run) endpointDone(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.EndpointDone(name)
}

func (r *run) endpointTerminal(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.EndpointTerminal(name)
}

func (r *run) phaseComplete(p model.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.PhaseComplete(p)
}

// markPage records a committed page and saves once interval records have
// accumulated since the last save
func (r *run) markPage(ep Endpoint, page, records int, now time.Time, interval int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.MarkPage(ep.Phase, ep.Name, page, records, now)
	r.sinceSave += records
	if interval > 0 && r.sinceSave < interval {
		return false, nil
	}
	return true, r.saveLocked()
}

func (r *run) finishEndpoint(name string, status model.EndpointStatus, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.MarkEndpoint(name, status, reason, now)
	return r.saveLocked()
}

func (r *run) commitPhase(p model.Phase, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.MarkPhase(p, now)
	return r.saveLocked()
}

func (r *run) finishJob(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Phase = model.PhaseDone
	r.state.UpdatedAt = now
	return r.saveLocked()
}

func (r *run) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

// markFailed stops every further checkpoint write of this run
func (r *run) markFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
}

func (r *run) saveLocked() error {
	if r.failed {
		return nil
	}
	if err := r.checkpoints.Save(r.state); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	r.sinceSave = 0
	return nil
}
