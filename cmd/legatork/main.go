// The `legatork` CLI runs a kernel compute worker process and gives an
// operator terminal visibility into runs, jobs, and governance decisions.
//
// Usage:
//
//	legatork worker run              — start a compute worker loop
//	legatork runs list <project>     — list recent runs for a project
//	legatork runs get <project> <id> — show a run and its step history
//	legatork runs cancel <id>        — request cancellation of a run
//	legatork jobs list <run>         — list active jobs for a run
//	legatork decide <project> <id>   — render the governance verdict for a run
//	legatork db backup               — snapshot the SQLite store file
//	legatork db prune-backups        — remove old store backup files
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "legatork",
		Short:         "legatork — Agent Kernel worker and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a kernelconfig YAML file")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of legatork",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "legatork %s (commit %s, built %s)\n", version, gitCommit, buildDate)
			return err
		},
	})

	cmd.AddCommand(newWorkerCommand(&configPath))
	cmd.AddCommand(newRunsCommand(&configPath))
	cmd.AddCommand(newJobsCommand(&configPath))
	cmd.AddCommand(newDecideCommand(&configPath))
	cmd.AddCommand(newDBCommand(&configPath))

	return cmd
}
