package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/db"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/models"
)

type jobsFlags struct {
	configPath string
	user       string
	kind       string
	failed     bool
	limit      int
}

func newJobsCmd() *cobra.Command {
	var f jobsFlags

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent generation jobs",
		Long:  "Prints the most recent job runs from the audit database, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd.OutOrStdout(), f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Secretary config file")
	cmd.Flags().StringVar(&f.user, "user", "", "filter by user identity (platform:id)")
	cmd.Flags().StringVar(&f.kind, "kind", "", "filter by job kind (manual, pick, receipt-generate, command)")
	cmd.Flags().BoolVar(&f.failed, "failed", false, "only show runs that did not succeed")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 20, "maximum number of runs to show")
	return cmd
}

func runJobs(out io.Writer, f jobsFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	runs, err := db.RecentJobRuns(gormDB, db.JobRunFilter{
		UserKey:    f.user,
		Kind:       f.kind,
		FailedOnly: f.failed,
		Limit:      f.limit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No job runs found.")
		return nil
	}
	printJobRuns(out, runs)
	return nil
}

func printJobRuns(out io.Writer, runs []models.JobRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tSTATUS\tDURATION\tUSER\tDETAIL")
	for _, r := range runs {
		detail := r.Artifact
		if r.Status != models.JobStatusSuccess && r.Error != "" {
			detail = jobs.Truncate(r.Error, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1fs\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Kind, r.Status, float64(r.DurationMs)/1000, r.UserKey, detail)
	}
	w.Flush()
}
