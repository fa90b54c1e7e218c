package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-accurate-puller/internal/app"
	"go-accurate-puller/internal/config"
	"go-accurate-puller/internal/model"
)

var Version = "dev"

// Process exit codes
const (
	exitOK        = 0
	exitFailed    = 1
	exitSkips     = 3
	exitResumable = 4
)

// exitError carries a job status out of a command without printing usage
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(s model.JobStatus) int {
	switch s {
	case model.StatusCompleted:
		return exitOK
	case model.StatusCompletedWithSkips:
		return exitSkips
	case model.StatusAborted:
		return exitResumable
	default:
		return exitFailed
	}
}

type rootOptions struct {
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitFailed
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "puller",
		Short:         "Resumable data acquisition from the Accurate ERP API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./puller.yaml, then $HOME/.puller/puller.yaml)")

	root.AddCommand(pullCmd(opts))
	root.AddCommand(resumeCmd(opts))
	root.AddCommand(statusCmd(opts))
	root.AddCommand(checkpointCmd(opts))
	root.AddCommand(jobsCmd(opts))
	root.AddCommand(reportCmd(opts))
	root.AddCommand(exportCmd(opts))
	root.AddCommand(configCmd(opts))
	return root
}

// loadConfig reads config and lets mutate apply flag overrides
func loadConfig(opts *rootOptions, mutate func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads config and builds the App with a logger on stderr
func openApp(cmd *cobra.Command, opts *rootOptions, mutate func(*config.Config)) (*app.App, error) {
	cfg, err := loadConfig(opts, mutate)
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cmd.ErrOrStderr(), cfg.Log)
	return app.New(cfg, log)
}
