package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"go-accurate-puller/internal/config"
)

func exportCmd(root *rootOptions) *cobra.Command {
	var dir string
	var datasets []string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Write CSV files of a pulled job from the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root, func(c *config.Config) {
				if dir != "" {
					c.Export.Dir = dir
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Config.Sink.Kind == "memory" {
				return errors.New("the memory sink does not outlive a pull; export with sink.kind sqlite or postgres")
			}

			results, err := a.Export(cmd.Context(), args[0], datasets)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %6d records  %s\n", r.Dataset, r.RecordCount, r.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "export-dir", "", "output directory (default export.dir)")
	cmd.Flags().StringSliceVar(&datasets, "dataset", nil, "datasets to export (default all)")
	return cmd
}

func configCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName
			if len(args) == 1 {
				path = args[0]
			} else if root.configPath != "" {
				path = root.configPath
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			abs, _ := filepath.Abs(path)
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", abs)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, including credentials and dates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(true); err != nil {
				return err
			}
			dates, _ := cfg.Dates()
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK: %s - %s, phases %v, sink %s\n",
				dates.StartString(), dates.EndString(), cfg.Puller.EnabledPhases, cfg.Sink.Kind)
			return nil
		},
	})
	return cmd
}
