package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go-accurate-puller/internal/auth"
	"go-accurate-puller/internal/config"
	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pipeline"
	"go-accurate-puller/internal/pullerr"
	"go-accurate-puller/internal/store"
	"go-accurate-puller/internal/transport"
	"go-accurate-puller/pkg/utils"
)

// App holds the long-lived pieces a puller process shares between commands
type App struct {
	Config      *config.Config
	Log         *slog.Logger
	Jobs        *store.JobStore
	Checkpoints *store.CheckpointStore
	Output      *utils.OutputManager

	mu      sync.Mutex
	memory  map[string]*store.MemorySink
	current *pipeline.Orchestrator
}

// New creates the working directories and opens the job registry
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	dirs := []string{filepath.Dir(cfg.CheckpointPath), filepath.Dir(cfg.Store.JobDB)}
	if cfg.Sink.Kind == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Sink.SQLitePath))
	}
	if cfg.Export.Dir != "" {
		dirs = append(dirs, cfg.Export.Dir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}

	jobs, err := store.OpenJobStore(cfg.Store.JobDB)
	if err != nil {
		return nil, fmt.Errorf("open job registry: %w", err)
	}
	return &App{
		Config:      cfg,
		Log:         log,
		Jobs:        jobs,
		Checkpoints: store.NewCheckpointStore(cfg.CheckpointPath),
		Output:      utils.NewOutputManager(cfg.Export.Dir),
		memory:      make(map[string]*store.MemorySink),
	}, nil
}

// Close releases the job registry
func (a *App) Close() error {
	return a.Jobs.Close()
}

// SinkFactory opens the configured sink for a job. Memory sinks live as
// long as the App so an export can follow the pull in the same process.
func (a *App) SinkFactory() store.SinkFactory {
	return func(ctx context.Context, jobID string) (store.Sink, error) {
		switch a.Config.Sink.Kind {
		case "memory":
			a.mu.Lock()
			defer a.mu.Unlock()
			s, ok := a.memory[jobID]
			if !ok {
				s = store.NewMemorySink()
				a.memory[jobID] = s
			}
			return s, nil
		case "sqlite":
			return store.OpenSQLiteSink(a.Config.Sink.SQLitePath, jobID)
		case "postgres":
			return store.OpenPostgresSink(ctx, a.Config.Sink.Postgres.Options(), jobID)
		default:
			return nil, fmt.Errorf("unknown sink kind %q", a.Config.Sink.Kind)
		}
	}
}

// Orchestrator builds the signer, transport and catalog from config.
// Host discovery runs here unless api.base_url is set.
func (a *App) Orchestrator(ctx context.Context) (*pipeline.Orchestrator, error) {
	cfg := a.Config
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}
	dates, err := cfg.Dates()
	if err != nil {
		return nil, err
	}

	signer, err := auth.NewSigner(cfg.Credential, auth.LoadLocation(cfg.API.Timezone))
	if err != nil {
		return nil, err
	}
	topts := transport.ClientOptions{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Puller.RequestTimeout},
		Signer:     signer,
		Limiter:    transport.NewLimiter(cfg.Puller.MaxRequestsPerSecond, cfg.Puller.MinRequestInterval, cfg.Puller.ThrottleMultiplier),
		Policy:     cfg.Puller.RetryPolicy(),
		Logger:     a.Log,
	}
	if topts.BaseURL == "" {
		a.Log.Info("🔎 discovering API host", "token_url", cfg.API.TokenURL)
		topts.BaseURL, err = transport.DiscoverHost(ctx, topts, cfg.API.TokenURL)
		if err != nil {
			return nil, err
		}
		a.Log.Info("API host resolved", "host", topts.BaseURL)
	}

	client, err := transport.NewClient(topts)
	if err != nil {
		return nil, err
	}

	endpoints, err := pipeline.ApplyOverrides(pipeline.DefaultEndpoints(), cfg.Endpoints)
	if err != nil {
		return nil, err
	}

	return pipeline.NewOrchestrator(pipeline.Options{
		Config:      cfg.Puller,
		Dates:       dates,
		Endpoints:   endpoints,
		Rules:       cfg.Rules(),
		Client:      client,
		Stats:       client.Stats(),
		Checkpoints: a.Checkpoints,
		OpenSink:    a.SinkFactory(),
		SinkKind:    cfg.Sink.Kind,
		Jobs:        a.Jobs,
		Logger:      a.Log,
	})
}

// Pull runs one job and exports it when it finished with data worth
// keeping. The outcome is returned even when err is set.
func (a *App) Pull(ctx context.Context, mode pipeline.RunMode) (*pipeline.Outcome, error) {
	o, err := a.Orchestrator(ctx)
	if err != nil {
		return &pipeline.Outcome{Status: model.StatusFailed}, err
	}
	a.mu.Lock()
	a.current = o
	a.mu.Unlock()

	out, err := o.Run(ctx, mode)
	if err != nil {
		return out, err
	}
	if a.Config.Export.Dir != "" && (out.Status == model.StatusCompleted || out.Status == model.StatusCompletedWithSkips) {
		if _, err := a.Export(ctx, out.JobID, nil); err != nil {
			return out, fmt.Errorf("export job %s: %w", out.JobID, err)
		}
	}
	return out, nil
}

// Snapshot reports the job this process is running, if any
func (a *App) Snapshot() (model.JobReport, bool) {
	a.mu.Lock()
	o := a.current
	a.mu.Unlock()
	if o == nil {
		return model.JobReport{}, false
	}
	return o.Snapshot()
}

// Export writes the CSV files of a job. No datasets means all of them.
func (a *App) Export(ctx context.Context, jobID string, datasets []string) ([]model.ExportResult, error) {
	if a.Config.Export.Dir == "" {
		return nil, errors.New("export.dir is not configured")
	}
	sink, err := a.SinkFactory()(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	results, err := pipeline.ExportCSV(ctx, sink, datasets, a.Output, jobID)
	if err != nil {
		return results, err
	}
	for _, r := range results {
		a.Log.Info("💾 exported", "job_id", jobID, "dataset", r.Dataset, "records", r.RecordCount, "path", r.Path)
	}
	return results, nil
}

// Status is what a checkpoint says about an interrupted job
type Status struct {
	Checkpoint *model.CheckpointState
	Job        *model.JobDetail
}

// Status loads the checkpoint and its registry entry
func (a *App) Status(ctx context.Context) (*Status, error) {
	st, err := a.Checkpoints.Load()
	if err != nil {
		return nil, err
	}
	out := &Status{Checkpoint: st}
	if st == nil {
		return out, nil
	}
	job, err := a.Jobs.GetJob(ctx, st.JobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}
	out.Job = job
	return out, nil
}

// ClearCheckpoint abandons the interrupted job. Its registry entry is
// marked failed so an auto run does not wait for it.
func (a *App) ClearCheckpoint(ctx context.Context) (string, error) {
	st, err := a.Checkpoints.Load()
	if err != nil && !errors.Is(err, pullerr.ErrCorruptCheckpoint) {
		return "", err
	}
	var jobID string
	if st != nil {
		jobID = st.JobID
	}
	if jobID == "" {
		if job, err := a.Jobs.UnfinishedJob(ctx, a.Checkpoints.Path()); err == nil && job != nil {
			jobID = job.ID
		}
	}
	if jobID != "" {
		if err := a.Jobs.UpdateJobStatus(ctx, jobID, model.StatusFailed); err != nil {
			return jobID, err
		}
		_ = a.Jobs.SaveJobError(ctx, jobID, errors.New("checkpoint cleared by operator"))
	}
	if err := a.Checkpoints.Clear(); err != nil {
		return jobID, err
	}
	a.Log.Info("🧹 checkpoint cleared", "path", a.Checkpoints.Path(), "job_id", jobID)
	return jobID, nil
}
