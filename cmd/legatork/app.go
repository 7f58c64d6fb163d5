package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/andrewbusc/legatorkernel/internal/kernel"
	"github.com/andrewbusc/legatorkernel/internal/kernelconfig"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/planner/mcpplanner"
	"github.com/andrewbusc/legatorkernel/internal/runqueue"
	"github.com/andrewbusc/legatorkernel/internal/telemetry"
	"github.com/andrewbusc/legatorkernel/internal/validation"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// app bundles everything a legatork subcommand needs against one
// kernelconfig.Config: the kernel itself, its store (for read-only
// introspection commands that don't need the full Kernel surface), and a
// shutdown function releasing the OTel tracer provider.
type app struct {
	cfg      kernelconfig.Config
	log      *zap.Logger
	store    *kernelstore.Store
	queue    *runqueue.Queue
	kernel   *kernel.Kernel
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := kernelconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := kernelstore.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	queue := runqueue.New(store, log)

	workspaces := func(projectID string) (*workspace.Workspace, error) {
		return workspace.New(projectID, filepath.Join(cfg.WorkspaceDir, projectID))
	}

	pipeline := validation.NewPipeline(validation.DefaultChecks()...)

	plnr := mcpplanner.New(log)

	k := kernel.New(store, workspaces, queue, pipeline, plnr, log)

	return &app{cfg: cfg, log: log, store: store, queue: queue, kernel: k, shutdown: shutdown}, nil
}

func (a *app) Close(ctx context.Context) {
	_ = a.shutdown(ctx)
	_ = a.store.Close()
	_ = a.log.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
