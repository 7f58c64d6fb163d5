package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrewbusc/legatorkernel/internal/kernelstore/migration"
)

func newDBCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Manage the Content Store database file"}
	cmd.AddCommand(newDBBackupCommand(configPath))
	cmd.AddCommand(newDBPruneBackupsCommand(configPath))
	return cmd
}

func newDBBackupCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the SQLite store file to a timestamped backup and verify its integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if a.cfg.StoreDriver != "sqlite" {
				return fmt.Errorf("db backup only supports the sqlite store driver, got %q", a.cfg.StoreDriver)
			}

			path, err := migration.BackupDatabase(a.cfg.StoreDSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up %s -> %s\n", a.cfg.StoreDSN, path)
			return nil
		},
	}
}

func newDBPruneBackupsCommand(configPath *string) *cobra.Command {
	var maxAge time.Duration
	c := &cobra.Command{
		Use:   "prune-backups",
		Short: "Remove store backup files older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if a.cfg.StoreDriver != "sqlite" {
				return fmt.Errorf("db prune-backups only supports the sqlite store driver, got %q", a.cfg.StoreDriver)
			}

			if err := migration.CleanOldBackups(a.cfg.StoreDSN, maxAge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned backups of %s older than %s\n", a.cfg.StoreDSN, maxAge)
			return nil
		},
	}
	c.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "remove backups older than this duration")
	return c
}
