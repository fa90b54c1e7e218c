package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"go-accurate-puller/internal/api"
	"go-accurate-puller/internal/api/handler"
	"go-accurate-puller/internal/app"
	"go-accurate-puller/internal/config"
	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pipeline"
	"go-accurate-puller/pkg/router"
)

type pullOptions struct {
	resume    bool
	fresh     bool
	start     string
	end       string
	workers   int
	exportDir string
	every     time.Duration
	serve     string
}

func pullCmd(root *rootOptions) *cobra.Command {
	opts := &pullOptions{}
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull every enabled endpoint, resuming an interrupted job when one exists",
		Long: `Pull master, inventory and transactional data in phase order.

Without --resume or --fresh an existing checkpoint is resumed and a missing
one starts a new job. Exit status: 0 completed, 3 completed with skipped
endpoints, 4 aborted (run again to resume), 1 failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.resume && opts.fresh {
				return errors.New("--resume and --fresh are mutually exclusive")
			}
			mode := pipeline.ModeAuto
			switch {
			case opts.resume:
				mode = pipeline.ModeResume
			case opts.fresh:
				mode = pipeline.ModeFresh
			}
			return runPull(cmd, root, opts, mode)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.resume, "resume", false, "require an existing checkpoint")
	f.BoolVar(&opts.fresh, "fresh", false, "refuse to run over an existing checkpoint")
	f.StringVar(&opts.start, "start", "", "start date, dd/mm/yyyy or yyyy-mm-dd")
	f.StringVar(&opts.end, "end", "", "end date, dd/mm/yyyy or yyyy-mm-dd")
	f.IntVar(&opts.workers, "workers", 0, "endpoints pulled concurrently within a phase")
	f.StringVar(&opts.exportDir, "export-dir", "", "write CSV exports here after a successful run")
	f.DurationVar(&opts.every, "every", 0, "keep running, starting a new job this often (e.g. 168h)")
	f.StringVar(&opts.serve, "serve", "", "also serve the reporting API on this address")
	return cmd
}

func resumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the interrupted job from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, root, &pullOptions{}, pipeline.ModeResume)
		},
	}
}

func (o *pullOptions) apply(cfg *config.Config) {
	if o.start != "" {
		cfg.StartDate = o.start
	}
	if o.end != "" {
		cfg.EndDate = o.end
	}
	if o.workers > 0 {
		cfg.Puller.Workers = o.workers
	}
	if o.exportDir != "" {
		cfg.Export.Dir = o.exportDir
	}
}

func runPull(cmd *cobra.Command, root *rootOptions, opts *pullOptions, mode pipeline.RunMode) error {
	a, err := openApp(cmd, root, opts.apply)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if opts.serve != "" {
		serveAlongside(ctx, a, opts.serve)
	}

	if opts.every <= 0 {
		out, err := a.Pull(ctx, mode)
		printOutcome(cmd.OutOrStdout(), out)
		return &exitError{code: exitCode(out.Status), err: err}
	}

	// only the first cycle honours --resume or --fresh
	last := model.StatusCompleted
	cycleMode := mode
	err = app.RunEvery(ctx, opts.every, a.Log, func(ctx context.Context) (bool, error) {
		out, err := a.Pull(ctx, cycleMode)
		printOutcome(cmd.OutOrStdout(), out)
		last = out.Status
		cycleMode = pipeline.ModeAuto
		if err != nil && out.Status == model.StatusFailed {
			return true, err
		}
		return false, err
	})
	if errors.Is(err, context.Canceled) {
		err = nil
		if last == model.StatusCompleted || last == model.StatusCompletedWithSkips {
			return nil
		}
	}
	return &exitError{code: exitCode(last), err: err}
}

// serveAlongside runs the reporting API until the pull ends
func serveAlongside(ctx context.Context, a *app.App, addr string) {
	r := router.New(a.Log)
	api.RegisterRoutes(r, handler.New(a.Jobs, a.Output, a.Snapshot, a.Log))
	go func() {
		if err := r.Start(ctx, addr); err != nil {
			a.Log.Error("reporting API stopped", "error", err)
		}
	}()
}

func printOutcome(w io.Writer, out *pipeline.Outcome) {
	if out == nil || out.JobID == "" {
		return
	}
	rep := out.Report
	fmt.Fprintf(w, "Job %s: %s\n", out.JobID, out.Status)
	if out.Resumed {
		fmt.Fprintf(w, "  resumed; reopened endpoints: %v\n", out.Reopened)
	}
	fmt.Fprintf(w, "  records: %d  duration: %s\n", rep.Records, rep.Duration.Round(time.Millisecond))
	printEndpoints(w, rep)
}
