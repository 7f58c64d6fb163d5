package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newJobsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect the run-job queue"}
	cmd.AddCommand(newJobsListCommand(configPath))
	return cmd
}

func newJobsListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <runId>",
		Short: "List active (queued or leased) jobs for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			jobs, err := a.store.ListActiveRunJobsByRun(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tKIND\tSTATUS\tASSIGNED NODE\tATTEMPT")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", j.ID, j.Kind, j.Status, j.AssignedNode, j.Attempt)
			}
			return w.Flush()
		},
	}
}
