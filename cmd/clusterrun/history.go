package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/clusterrun/internal/store"
	"github.com/rendis/clusterrun/pkg/schema"
)

var errJournalDisabled = schema.NewError(schema.ErrCodeConfig, "run journal is disabled (journal.path is empty)")

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs recorded in the journal",
	}
	cmd.AddCommand(newHistoryListCmd(a), newHistoryShowCmd(a))
	return cmd
}

func newHistoryListCmd(a *app) *cobra.Command {
	var (
		workflow string
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.reader(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			filter := store.RunFilter{Workflow: workflow, Limit: limit}
			if status != "" {
				s := schema.RunStatus(status)
				filter.Status = &s
			}
			runs, err := db.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tSTARTED")
			for _, r := range runs {
				step := r.Step
				if step == "" {
					step = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Workflow, r.Status, step, r.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "only runs of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status (pending, active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newHistoryShowCmd(a *app) *cobra.Command {
	var (
		replay bool
		record bool
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.reader(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			run, err := db.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			var steps []*store.StepState
			if replay {
				steps, err = db.ReplayEvents(ctx, run.ID)
			} else {
				steps, err = db.ListStepStates(ctx, run.ID)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "run:      %s\n", run.ID)
			fmt.Fprintf(a.stdout, "workflow: %s\n", run.Workflow)
			fmt.Fprintf(a.stdout, "status:   %s\n", run.Status)
			fmt.Fprintf(a.stdout, "hosts:    %v\n", run.Hosts)
			if run.DryRun {
				fmt.Fprintln(a.stdout, "dry run:  yes")
			}
			if run.Error != "" {
				fmt.Fprintf(a.stdout, "error:    %s\n", run.Error)
			}

			fmt.Fprintln(a.stdout)
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tKIND\tSTATUS\tDURATION\tFAILED HOSTS")
			for _, s := range steps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", s.Step, s.Kind, s.Status,
					(time.Duration(s.DurationMs) * time.Millisecond).String(), s.FailedHosts)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if !record {
				return nil
			}
			snap, err := db.LatestSnapshot(ctx, run.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "\nrecord after %s:\n", snap.Step)
			return a.printJSON(snap.Record)
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", false, "rebuild step states from the event log instead of the stored states")
	cmd.Flags().BoolVar(&record, "record", false, "print the latest record snapshot")
	return cmd
}
