package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrewbusc/legatorkernel/internal/kernel"
)

func newDecideCommand(configPath *string) *cobra.Command {
	var strictV1Ready bool
	c := &cobra.Command{
		Use:   "decide <projectId> <runId>",
		Short: "Render the governance verdict for a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			decision, err := a.kernel.Decide(ctx, kernel.DecideInput{
				ProjectID: args[0], RunID: args[1], StrictV1Ready: strictV1Ready,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decision=%s reasons=%v artifacts=%v\n", decision.Decision, decision.ReasonCodes, decision.ArtifactRefs)
			return nil
		},
	}
	c.Flags().BoolVar(&strictV1Ready, "strict-v1-ready", false, "require the V1-ready check subset to pass")
	return c
}
