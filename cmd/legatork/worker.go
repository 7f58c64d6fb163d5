package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Run a kernel compute worker"}
	cmd.AddCommand(newWorkerRunCommand(configPath))
	return cmd
}

func newWorkerRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Claim run jobs off the queue and drive them to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.queue.StartOrphanSweep(ctx, a.cfg.SweepSchedule); err != nil {
				return err
			}
			defer a.queue.StopOrphanSweep()

			a.log.Info("worker starting", zap.String("nodeId", a.cfg.NodeID), zap.String("role", a.cfg.WorkerRole))
			return a.runWorkerLoop(ctx)
		},
	}
}

// runWorkerLoop polls the queue for eligible jobs and drives each claimed
// run to completion, sleeping between empty polls so an idle worker doesn't
// spin the Content Store.
func (a *app) runWorkerLoop(ctx context.Context) error {
	const idlePoll = 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, err := a.queue.ClaimNextRunJob(ctx, a.cfg.NodeID, a.cfg.WorkerRole, a.cfg.LeaseSeconds)
		if err != nil {
			a.log.Error("claim failed", zap.Error(err))
			sleepOrDone(ctx, idlePoll)
			continue
		}
		if job == nil {
			sleepOrDone(ctx, idlePoll)
			continue
		}

		a.log.Info("executing run", zap.String("jobId", job.ID), zap.String("runId", job.RunID), zap.String("kind", job.Kind))
		if err := a.kernel.Execute(ctx, job.RunID); err != nil {
			a.log.Error("run execution failed", zap.String("runId", job.RunID), zap.Error(err))
			_ = a.queue.ReleaseJob(job.ID, a.cfg.NodeID, false, err.Error())
			continue
		}
		_ = a.queue.CompleteJob(job.ID, a.cfg.NodeID, "succeeded", "")
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
