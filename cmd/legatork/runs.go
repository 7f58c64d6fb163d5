package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/kernel"
)

func newRunsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect and manage agent runs"}
	cmd.AddCommand(newRunsQueueCommand(configPath))
	cmd.AddCommand(newRunsListCommand(configPath))
	cmd.AddCommand(newRunsGetCommand(configPath))
	cmd.AddCommand(newRunsCancelCommand(configPath))
	return cmd
}

func newRunsQueueCommand(configPath *string) *cobra.Command {
	var goal, createdBy, providerID, model, profile string
	c := &cobra.Command{
		Use:   "queue <projectId>",
		Short: "Queue a new run for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			result, err := a.kernel.QueueRun(ctx, kernelQueueRunInput(args[0], goal, createdBy, providerID, model, profile))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued run %s on branch %s (job %s)\n", result.Run.ID, result.Run.RunBranch, result.QueuedJob.ID)
			return nil
		},
	}
	c.Flags().StringVar(&goal, "goal", "", "the goal text for this run")
	c.Flags().StringVar(&createdBy, "created-by", "", "caller identity")
	c.Flags().StringVar(&providerID, "provider", "", "model provider id")
	c.Flags().StringVar(&model, "model", "", "model name")
	c.Flags().StringVar(&profile, "profile", string(contract.ProfileFull), "execution profile (full, ci, smoke)")
	return c
}

func newRunsListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <projectId>",
		Short: "List recent runs for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			runs, err := a.kernel.ListRuns(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tSTEP\tGOAL")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.Status, r.CurrentStepIndex, r.Goal)
			}
			return w.Flush()
		},
	}
}

func newRunsGetCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <projectId> <runId>",
		Short: "Show a run and its step history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			rws, err := a.kernel.GetRunWithSteps(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: status=%s step=%d/%d branch=%s\n",
				rws.Run.ID, rws.Run.Status, rws.Run.CurrentStepIndex, len(rws.Steps), rws.Run.RunBranch)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tATTEMPT\tTOOL\tSTATUS\tCOMMIT")
			for _, s := range rws.Steps {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", s.StepIndex, s.Attempt, s.Tool, s.Status, s.CommitHash)
			}
			return w.Flush()
		},
	}
}

func newRunsCancelCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			run, err := a.kernel.CancelRun(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s now %s (cancelRequested=%v)\n", run.ID, run.Status, run.CancelRequested)
			return nil
		},
	}
}

func kernelQueueRunInput(projectID, goal, createdBy, providerID, model, profile string) kernel.QueueRunInput {
	return kernel.QueueRunInput{
		ProjectID:  projectID,
		Goal:       goal,
		CreatedBy:  createdBy,
		ProviderID: providerID,
		Model:      model,
		Profile:    contract.Profile(profile),
	}
}
