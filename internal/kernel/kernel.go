// Package kernel implements the Agent Kernel: the orchestrator that turns a
// queued goal into a sequence of planned, validated, and committed steps
// against a project's workspace, and renders the final governance verdict
// once a run reaches a terminal state. The control-surface/execute-loop
// split and the compare-and-swap run transitions follow the teacher
// scheduler's dispatch discipline, adapted from push-based job dispatch to
// the pull-based claim model runqueue already implements.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/governance"
	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/planner"
	"github.com/andrewbusc/legatorkernel/internal/runqueue"
	"github.com/andrewbusc/legatorkernel/internal/telemetry"
	"github.com/andrewbusc/legatorkernel/internal/validation"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

const mainBranch = "main"

// WorkspaceProvider resolves a project's workspace, shared across every run
// that touches that project so branch/commit state is coherent.
type WorkspaceProvider func(projectID string) (*workspace.Workspace, error)

// Kernel wires the Content Store, Project Workspaces, the Run-Job Queue, the
// Validation Pipeline, and a Planner into the operations described for the
// external control surface. Execute (execute.go) is the worker-side loop
// that actually drains a queued run.
type Kernel struct {
	store      *kernelstore.Store
	workspaces WorkspaceProvider
	queue      *runqueue.Queue
	pipeline   *validation.Pipeline
	planner    planner.Planner
	log        *zap.Logger
}

// New constructs a Kernel. logger may be nil (defaults to a no-op logger).
func New(store *kernelstore.Store, workspaces WorkspaceProvider, queue *runqueue.Queue, pipeline *validation.Pipeline, plnr planner.Planner, logger *zap.Logger) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kernel{
		store:      store,
		workspaces: workspaces,
		queue:      queue,
		pipeline:   pipeline,
		planner:    plnr,
		log:        logger.Named("kernel"),
	}
}

// QueueRun admits a new run for a project, enforcing the single-active-run
// branch lock (§4.4) and resolving the run's execution contract before any
// work is scheduled.
func (k *Kernel) QueueRun(ctx context.Context, input QueueRunInput) (QueueRunResult, error) {
	active, err := k.store.HasActiveRun(input.ProjectID)
	if err != nil {
		return QueueRunResult{}, err
	}
	if active {
		return QueueRunResult{}, kernelerr.New(kernelerr.BranchLockedByActiveRun, "project %s already has an active run", input.ProjectID)
	}

	proj, err := k.store.GetProject(input.ProjectID)
	if err != nil {
		return QueueRunResult{}, err
	}

	cfg, err := contract.Resolve(input.Profile, input.Overrides)
	if err != nil {
		return QueueRunResult{}, err
	}
	material := contract.CurrentMaterial(input.RandomnessSeed)
	hash, err := material.Hash()
	if err != nil {
		return QueueRunResult{}, err
	}

	ws, err := k.workspaces(input.ProjectID)
	if err != nil {
		return QueueRunResult{}, err
	}
	mainHead := ws.BranchHead(mainBranch)

	runID := uuid.New().String()
	runBranch := "run/" + runID
	if err := ws.BranchFrom(runBranch, mainHead); err != nil {
		return QueueRunResult{}, err
	}

	metadata, err := persistExecutionConfig(cfg, material, hash)
	if err != nil {
		return QueueRunResult{}, err
	}

	run, err := k.store.CreateRun(kernelstore.AgentRun{
		ID:                  runID,
		ProjectID:           input.ProjectID,
		OrgID:               proj.OrgID,
		WorkspaceID:         proj.WorkspaceID,
		CreatedBy:           input.CreatedBy,
		Goal:                input.Goal,
		ProviderID:          input.ProviderID,
		Model:               input.Model,
		Status:              kernelstore.RunQueued,
		BaseCommitHash:      mainHead,
		CurrentCommitHash:   mainHead,
		LastValidCommitHash: mainHead,
		RunBranch:           runBranch,
		Metadata:            metadata,
	})
	if err != nil {
		return QueueRunResult{}, err
	}

	job, err := k.queue.EnqueueRunJob(run.ID, run.ProjectID, kernelstore.JobKindStart, "worker", nil)
	if err != nil {
		return QueueRunResult{}, err
	}

	k.log.Info("run queued", zap.String("runId", run.ID), zap.String("projectId", run.ProjectID))
	return QueueRunResult{
		Run:             run,
		QueuedJob:       job,
		ExecutionConfig: contractSummary(material, hash, false, nil),
		Contract:        cfg,
	}, nil
}

// QueueResumeRun re-admits a non-active run, enforcing execution-config
// drift checking (§4.3): a resume whose effective configuration differs
// from what was persisted is rejected unless fork or
// overrideExecutionConfig is set.
func (k *Kernel) QueueResumeRun(ctx context.Context, input QueueResumeRunInput) (QueueRunResult, error) {
	run, err := k.store.GetRun(input.RunID)
	if err != nil {
		return QueueRunResult{}, err
	}
	if isActiveStatus(run.Status) {
		return QueueRunResult{}, kernelerr.New(kernelerr.RunStillActive, "run %s is still active (%s)", run.ID, run.Status)
	}

	persisted, err := loadExecutionConfig(run.Metadata)
	if err != nil {
		return QueueRunResult{}, err
	}
	requested := persisted.Config
	if err := applyOverridesToConfig(&requested, input.Overrides); err != nil {
		return QueueRunResult{}, err
	}
	if err := contract.CheckDrift(persisted.Config, requested, input.Fork, input.OverrideExecutionConfig); err != nil {
		return QueueRunResult{}, err
	}

	if input.Fork {
		forkResult, err := k.ForkRun(ctx, ForkRunInput{RunID: run.ID, StepID: run.LastStepID, CreatedBy: run.CreatedBy})
		if err != nil {
			return QueueRunResult{}, err
		}
		job, err := k.queue.EnqueueRunJob(forkResult.Run.ID, forkResult.Run.ProjectID, kernelstore.JobKindResume, "worker", nil)
		if err != nil {
			return QueueRunResult{}, err
		}
		return QueueRunResult{Run: forkResult.Run, QueuedJob: job, ExecutionConfig: contractSummary(persisted.Material, persisted.Hash, false, nil), Contract: requested}, nil
	}

	metadata, err := persistExecutionConfig(requested, persisted.Material, persisted.Hash)
	if err != nil {
		return QueueRunResult{}, err
	}
	updated, err := k.store.TransitionRun(run.ID, []string{kernelstore.RunComplete, kernelstore.RunFailed, kernelstore.RunCancelled}, kernelstore.RunQueued,
		kernelstore.RunPatch{Metadata: metadata})
	if err != nil {
		return QueueRunResult{}, err
	}
	job, err := k.queue.EnqueueRunJob(updated.ID, updated.ProjectID, kernelstore.JobKindResume, "worker", nil)
	if err != nil {
		return QueueRunResult{}, err
	}
	return QueueRunResult{Run: updated, QueuedJob: job, ExecutionConfig: contractSummary(persisted.Material, persisted.Hash, false, nil), Contract: requested}, nil
}

// ForkRun creates a new run rooted at a prior run's step commit, leaving the
// original run untouched.
func (k *Kernel) ForkRun(ctx context.Context, input ForkRunInput) (ForkRunResult, error) {
	orig, err := k.store.GetRun(input.RunID)
	if err != nil {
		return ForkRunResult{}, err
	}
	steps, err := k.store.ListSteps(input.RunID)
	if err != nil {
		return ForkRunResult{}, err
	}
	var forkPoint *kernelstore.AgentStep
	for _, st := range steps {
		if st.StepID == input.StepID {
			forkPoint = st
			break
		}
	}
	if forkPoint == nil {
		return ForkRunResult{}, kernelerr.New(kernelerr.NotFound, "step %q not found on run %s", input.StepID, input.RunID)
	}

	ws, err := k.workspaces(orig.ProjectID)
	if err != nil {
		return ForkRunResult{}, err
	}
	newRunID := uuid.New().String()
	newBranch := "run/" + newRunID
	if err := ws.BranchFrom(newBranch, forkPoint.CommitHash); err != nil {
		return ForkRunResult{}, err
	}

	persisted, err := loadExecutionConfig(orig.Metadata)
	if err != nil {
		return ForkRunResult{}, err
	}
	metadata, err := persistExecutionConfig(persisted.Config, persisted.Material, persisted.Hash)
	if err != nil {
		return ForkRunResult{}, err
	}

	run, err := k.store.CreateRun(kernelstore.AgentRun{
		ID:                  newRunID,
		ProjectID:           orig.ProjectID,
		OrgID:               orig.OrgID,
		WorkspaceID:         orig.WorkspaceID,
		CreatedBy:           input.CreatedBy,
		Goal:                orig.Goal,
		ProviderID:          orig.ProviderID,
		Model:               orig.Model,
		Status:              kernelstore.RunQueued,
		CurrentStepIndex:    forkPoint.StepIndex + 1,
		BaseCommitHash:      forkPoint.CommitHash,
		CurrentCommitHash:   forkPoint.CommitHash,
		LastValidCommitHash: forkPoint.CommitHash,
		RunBranch:           newBranch,
		Metadata:            metadata,
	})
	if err != nil {
		return ForkRunResult{}, err
	}

	var priorSteps []*kernelstore.AgentStep
	for _, st := range steps {
		if st.StepIndex <= forkPoint.StepIndex {
			priorSteps = append(priorSteps, st)
		}
	}
	k.log.Info("run forked", zap.String("sourceRunId", orig.ID), zap.String("newRunId", run.ID), zap.String("stepId", input.StepID))
	return ForkRunResult{Run: run, Steps: priorSteps}, nil
}

// CancelRun requests cancellation of a run. A run still sitting in the
// queue (never claimed) is cancelled immediately; an in-flight run is
// flagged and must observe cancellation cooperatively at its next
// suspension point (§5).
func (k *Kernel) CancelRun(ctx context.Context, runID string) (*kernelstore.AgentRun, error) {
	run, err := k.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status == kernelstore.RunQueued {
		return k.store.TransitionRun(runID, []string{kernelstore.RunQueued}, kernelstore.RunCancelled, kernelstore.RunPatch{})
	}
	if err := k.store.SetCancelRequested(runID); err != nil {
		return nil, err
	}
	return k.store.GetRun(runID)
}

// GetRunWithSteps returns a run and its full step history, scoped to
// projectID so callers cannot read across projects by guessing a run id.
func (k *Kernel) GetRunWithSteps(ctx context.Context, projectID, runID string) (RunWithSteps, error) {
	run, err := k.store.GetRun(runID)
	if err != nil {
		return RunWithSteps{}, err
	}
	if run.ProjectID != projectID {
		return RunWithSteps{}, kernelerr.New(kernelerr.NotFound, "run %s not found in project %s", runID, projectID)
	}
	steps, err := k.store.ListSteps(runID)
	if err != nil {
		return RunWithSteps{}, err
	}
	persisted, err := loadExecutionConfig(run.Metadata)
	if err != nil {
		return RunWithSteps{}, err
	}
	return RunWithSteps{
		Run:             run,
		Steps:           steps,
		ExecutionConfig: contractSummary(persisted.Material, persisted.Hash, false, nil),
	}, nil
}

// ListRuns returns every run for a project, most recent first.
func (k *Kernel) ListRuns(ctx context.Context, projectID string) ([]*kernelstore.AgentRun, error) {
	return k.store.ListRuns(projectID, 0)
}

// ValidateRunOutput runs the Validation Pipeline against a run's branch and
// persists the result on the run so a subsequent Decide call can read it
// back without recomputing.
func (k *Kernel) ValidateRunOutput(ctx context.Context, input ValidateRunOutputInput) (ValidateRunOutputResult, error) {
	run, err := k.store.GetRun(input.RunID)
	if err != nil {
		return ValidateRunOutputResult{}, err
	}
	if run.ProjectID != input.ProjectID {
		return ValidateRunOutputResult{}, kernelerr.New(kernelerr.NotFound, "run %s not found in project %s", input.RunID, input.ProjectID)
	}
	ws, err := k.workspaces(input.ProjectID)
	if err != nil {
		return ValidateRunOutputResult{}, err
	}

	report := k.pipeline.Run(ctx, ws, run.RunBranch)
	var v1 *validation.V1ReadyReport
	if input.StrictV1Ready {
		rep := k.pipeline.RunV1Ready(ctx, ws, run.RunBranch, v1ReadyTargetIDs)
		v1 = &rep
	}

	// targetPath addresses the run's produced artifact tree over the
	// content-addressed workspace; governance attaches it as an ArtifactRef
	// on PASS.
	targetPath := run.RunBranch
	persistedResult := persistedValidationResult{Report: report, TargetPath: targetPath}
	resultJSON, err := json.Marshal(persistedResult)
	if err != nil {
		return ValidateRunOutputResult{}, fmt.Errorf("marshal validation result: %w", err)
	}

	status := kernelstore.ValidationPassed
	if !report.OK {
		status = kernelstore.ValidationFailed
	}
	updated, err := k.store.TransitionRun(run.ID, []string{run.Status}, run.Status, kernelstore.RunPatch{
		ValidationStatus: &status,
		ValidationResult: resultJSON,
	})
	if err != nil {
		return ValidateRunOutputResult{}, err
	}

	return ValidateRunOutputResult{Run: updated, Validation: report, V1Ready: v1, TargetPath: targetPath}, nil
}

// v1ReadyTargetIDs names the check subset strictV1Ready evaluates: the
// checks that must hold for a run's output to be considered V1-shippable,
// excluding the advisory runtime-boot check.
var v1ReadyTargetIDs = []string{"architecture", "typecheck", "build", "tests"}

// Decide renders the final governance verdict for a run.
func (k *Kernel) Decide(ctx context.Context, input DecideInput) (governance.GovernanceDecision, error) {
	ctx, span := telemetry.StartGovernanceSpan(ctx, input.RunID)
	defer span.End()

	run, err := k.store.GetRun(input.RunID)
	if err != nil {
		return governance.GovernanceDecision{}, err
	}
	if run.ProjectID != input.ProjectID {
		return governance.GovernanceDecision{}, kernelerr.New(kernelerr.NotFound, "run %s not found in project %s", input.RunID, input.ProjectID)
	}

	ws, err := k.workspaces(input.ProjectID)
	if err != nil {
		return governance.GovernanceDecision{}, err
	}
	projectHead := ws.BranchHead(mainBranch)

	// branchLocked approximates §4.4's lock-mismatch reason: some other run
	// still holds the project's active-run slot. A run deciding on itself
	// while still non-terminal is already caught by ReasonRunNotTerminal.
	branchLocked, err := k.store.HasActiveRun(input.ProjectID)
	if err != nil {
		return governance.GovernanceDecision{}, err
	}

	persisted, err := loadExecutionConfig(run.Metadata)
	if err != nil {
		return governance.GovernanceDecision{}, err
	}

	var v1 *validation.V1ReadyReport
	if input.StrictV1Ready {
		rep := k.pipeline.RunV1Ready(ctx, ws, run.RunBranch, v1ReadyTargetIDs)
		v1 = &rep
	}

	decision, err := governance.Decide(governance.Input{
		Run:               *run,
		ContractSummary:   contractSummary(persisted.Material, persisted.Hash, false, nil),
		ProjectHeadCommit: projectHead,
		BranchLocked:      branchLocked,
		V1Ready:           v1,
	}, governance.Options{StrictV1Ready: input.StrictV1Ready})
	if err == nil {
		telemetry.EndGovernanceSpan(span, string(decision.Decision), len(decision.ReasonCodes))
	}
	return decision, err
}

func isActiveStatus(status string) bool {
	for _, s := range kernelstore.ActiveRunStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func contractSummary(material contract.Material, hash string, fallbackUsed bool, fallbackFields []string) governance.ContractSummary {
	return governance.ContractSummary{
		SchemaVersion:  contract.SchemaVersion,
		Hash:           hash,
		Material:       material,
		FallbackUsed:   fallbackUsed,
		FallbackFields: fallbackFields,
	}
}

func persistExecutionConfig(cfg contract.Config, material contract.Material, hash string) (map[string]any, error) {
	p := persistedExecutionConfig{Config: cfg, Material: material, Hash: hash}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal execution config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return map[string]any{"executionConfig": out}, nil
}

func loadExecutionConfig(metadata map[string]any) (persistedExecutionConfig, error) {
	raw, ok := metadata["executionConfig"]
	if !ok {
		return persistedExecutionConfig{}, kernelerr.New(kernelerr.ExecutionConfigMismatch, "run metadata is missing its execution config")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return persistedExecutionConfig{}, err
	}
	var p persistedExecutionConfig
	if err := json.Unmarshal(b, &p); err != nil {
		return persistedExecutionConfig{}, err
	}
	return p, nil
}

func applyOverridesToConfig(cfg *contract.Config, o contract.Overrides) error {
	// Resolve against a one-off profile-less base by feeding cfg's own
	// values through Resolve's override-application path: build a synthetic
	// profile-equivalent Config by overlaying o onto *cfg directly.
	resolved := *cfg
	if o.LightValidationMode != nil {
		resolved.LightValidationMode = *o.LightValidationMode
	}
	if o.HeavyValidationMode != nil {
		resolved.HeavyValidationMode = *o.HeavyValidationMode
	}
	if o.MaxRuntimeCorrectionAttempts != nil {
		resolved.MaxRuntimeCorrectionAttempts = *o.MaxRuntimeCorrectionAttempts
	}
	if o.MaxHeavyCorrectionAttempts != nil {
		resolved.MaxHeavyCorrectionAttempts = *o.MaxHeavyCorrectionAttempts
	}
	if o.CorrectionPolicyMode != nil {
		resolved.CorrectionPolicyMode = *o.CorrectionPolicyMode
	}
	if o.CorrectionConvergenceMode != nil {
		resolved.CorrectionConvergenceMode = *o.CorrectionConvergenceMode
	}
	if o.PlannerTimeoutMs != nil {
		resolved.PlannerTimeoutMs = *o.PlannerTimeoutMs
	}
	if o.MaxFilesPerStep != nil {
		resolved.MaxFilesPerStep = *o.MaxFilesPerStep
	}
	if o.MaxTotalDiffBytes != nil {
		resolved.MaxTotalDiffBytes = *o.MaxTotalDiffBytes
	}
	if o.MaxFileBytes != nil {
		resolved.MaxFileBytes = *o.MaxFileBytes
	}
	if o.AllowEnvMutation != nil {
		resolved.AllowEnvMutation = *o.AllowEnvMutation
	}
	*cfg = resolved
	return nil
}
