package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-accurate-puller/internal/model"
)

func statusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint of the interrupted job, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if st.Checkpoint == nil {
				fmt.Fprintf(w, "No checkpoint at %s\n", a.Checkpoints.Path())
				return nil
			}
			cp := st.Checkpoint
			fmt.Fprintf(w, "Checkpoint: %s\n", a.Checkpoints.Path())
			fmt.Fprintf(w, "  job:      %s\n", cp.JobID)
			if st.Job != nil {
				fmt.Fprintf(w, "  status:   %s\n", st.Job.Status)
			}
			fmt.Fprintf(w, "  range:    %s - %s\n", cp.StartDate, cp.EndDate)
			fmt.Fprintf(w, "  position: %s / %s page %d\n", cp.Phase, cp.Endpoint, cp.LastPage)
			fmt.Fprintf(w, "  records:  %d\n", cp.Records)
			fmt.Fprintf(w, "  updated:  %s\n", cp.UpdatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "  phases:   %v\n", cp.CompletedPhases)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENDPOINT\tSTATUS\tLAST PAGE\tRECORDS\tREASON")
			names := make([]string, 0, len(cp.Endpoints))
			for n := range cp.Endpoints {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				p := cp.Endpoints[n]
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", n, p.Status, p.LastPage, p.Records, p.Reason)
			}
			return tw.Flush()
		},
	}
}

func checkpointCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage the resume checkpoint",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Abandon the interrupted job and delete its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			jobID, err := a.ClearCheckpoint(cmd.Context())
			if err != nil {
				return err
			}
			if jobID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clear")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared checkpoint of job %s\n", jobID)
			return nil
		},
	})
	return cmd
}

func jobsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in the registry, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Jobs.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs yet")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status,
					j.CreatedAt.Local().Format(time.DateTime), j.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func reportCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Print the report of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Jobs.GetReport(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(w, *rep)
			errs, err := a.Jobs.GetJobErrors(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				fmt.Fprintln(w, "\nErrors:")
				for _, e := range errs {
					fmt.Fprintf(w, "  %s  %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON report")
	return cmd
}

func printReport(w io.Writer, rep model.JobReport) {
	fmt.Fprintf(w, "Job %s: %s\n", rep.JobID, rep.Status)
	fmt.Fprintf(w, "  started:  %s\n", rep.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  duration: %s\n", rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  records:  %d\n", rep.Records)
	if rep.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", rep.Error)
	}
	for _, p := range rep.Phases {
		mark := "incomplete"
		if p.Completed {
			mark = "completed"
		}
		fmt.Fprintf(w, "  phase %-20s %-10s %s\n", p.Phase, mark, p.Duration.Round(time.Millisecond))
	}
	printEndpoints(w, rep)

	if len(rep.Tiers) > 0 {
		fmt.Fprintln(w, "\nFallback tiers:")
		for _, rule := range sortedKeys(rep.Tiers) {
			tiers := rep.Tiers[rule]
			parts := make([]string, 0, len(tiers))
			for _, t := range sortedKeys(tiers) {
				parts = append(parts, fmt.Sprintf("%s=%d", t, tiers[t]))
			}
			fmt.Fprintf(w, "  %-15s %s\n", rule, strings.Join(parts, " "))
		}
	}
	if len(rep.Quality) > 0 {
		fmt.Fprintln(w, "\nData quality:")
		for _, ds := range sortedKeys(rep.Quality) {
			for _, field := range sortedKeys(rep.Quality[ds]) {
				q := rep.Quality[ds][field]
				fmt.Fprintf(w, "  %-20s %-20s nulls=%d zeros=%d (%.1f%% null of %d)\n",
					ds, field, q.Nulls, q.Zeros, q.NullPct, q.Records)
			}
		}
	}
}

func printEndpoints(w io.Writer, rep model.JobReport) {
	if len(rep.Endpoints) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tOUTCOME\tPAGES\tRECORDS\tSKIPPED\tREQUESTS\t429s\tAVG LATENCY")
	for _, n := range sortedKeys(rep.Endpoints) {
		e := rep.Endpoints[n]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n", n, e.Outcome, e.Pages, e.Records,
			e.SkippedLookups, e.Stats.Requests(), e.Stats.RateLimitHits, e.Stats.AverageLatency().Round(time.Millisecond))
	}
	tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
