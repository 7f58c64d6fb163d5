package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/correction"
	"github.com/andrewbusc/legatorkernel/internal/filesession"
	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/planner"
	"github.com/andrewbusc/legatorkernel/internal/telemetry"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// stepChangeWire is the wire shape a planned step's Input["changes"] entries
// take, decoded into filesession.StagedChange before a step is opened.
type stepChangeWire struct {
	Path           string `json:"path"`
	Type           string `json:"type"` // "create" | "update" | "delete"
	Content        string `json:"content,omitempty"`
	OldContentHash string `json:"oldContentHash,omitempty"`
}

// Execute drains a queued or resumed run to completion (or failure, or
// cooperative cancellation), suspending at planner calls, file I/O, commit
// calls, validation subprocess execution, and content-store writes per §5
// so CancelRun's flag is observed within a bounded interval. It is safe to
// call again after a worker crash: already-completed steps are detected via
// GetStepByKey and skipped rather than re-executed.
func (k *Kernel) Execute(ctx context.Context, runID string) error {
	run, err := k.store.GetRun(runID)
	if err != nil {
		return err
	}
	ctx, runSpan := telemetry.StartRunSpan(ctx, run.ID, run.ProjectID)
	defer func() {
		telemetry.EndRunSpan(runSpan, run.Status)
		telemetry.RecordRunTerminal(run.Status)
	}()

	ws, err := k.workspaces(run.ProjectID)
	if err != nil {
		return err
	}
	persisted, err := loadExecutionConfig(run.Metadata)
	if err != nil {
		return err
	}
	cfg := persisted.Config

	plan, err := k.loadOrCreatePlan(ctx, run, cfg)
	if err != nil {
		return k.failRun(run, err)
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return k.failRun(run, err)
	}
	if updated, err := k.store.TransitionRun(run.ID, []string{kernelstore.RunQueued}, kernelstore.RunRunning, kernelstore.RunPatch{Plan: planJSON}); err == nil {
		run = updated
	} else if !kernelerr.Is(err, kernelerr.StoreConflict) {
		return err
	} else if run, err = k.store.GetRun(runID); err != nil {
		return err
	}

	for run.CurrentStepIndex < len(plan) {
		if run.CancelRequested {
			now := time.Now().UTC()
			updated, err := k.store.TransitionRun(run.ID, []string{run.Status}, kernelstore.RunCancelled, kernelstore.RunPatch{FinishedAt: &now})
			if err == nil {
				run = updated
			}
			return err
		}

		step := plan[run.CurrentStepIndex]
		nextRun, nextPlan, stepErr := k.executeStep(ctx, run, cfg, ws, plan, run.CurrentStepIndex)
		if nextRun != nil {
			run = nextRun
		}
		if nextPlan != nil {
			plan = nextPlan
		}
		if stepErr != nil {
			return k.failRun(run, stepErr)
		}
	}

	now := time.Now().UTC()
	updated, err := k.store.TransitionRun(run.ID, []string{run.Status}, kernelstore.RunComplete, kernelstore.RunPatch{FinishedAt: &now})
	if err == nil {
		run = updated
	}
	return err
}

func (k *Kernel) failRun(run *kernelstore.AgentRun, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	if _, err := k.store.TransitionRun(run.ID, []string{run.Status}, kernelstore.RunFailed, kernelstore.RunPatch{ErrorMessage: &msg, FinishedAt: &now}); err != nil {
		k.log.Error("failed to record run failure", zap.String("runId", run.ID), zap.Error(err))
	}
	run.Status = kernelstore.RunFailed
	return cause
}

// loadOrCreatePlan returns the run's persisted plan, or calls the planner
// for an initial one bounded by the contract's plannerTimeoutMs.
func (k *Kernel) loadOrCreatePlan(ctx context.Context, run *kernelstore.AgentRun, cfg contract.Config) ([]planner.Step, error) {
	if len(run.Plan) > 0 {
		var plan []planner.Step
		if err := json.Unmarshal(run.Plan, &plan); err != nil {
			return nil, fmt.Errorf("decode persisted plan: %w", err)
		}
		return plan, nil
	}
	planCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PlannerTimeoutMs)*time.Millisecond)
	defer cancel()
	plan, err := k.planner.Plan(planCtx, planner.PlanRequest{RunID: run.ID, Goal: run.Goal})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PlannerFailed, err, "plan run %s", run.ID)
	}
	return plan, nil
}

// executeStep runs a single (stepIndex, attempt) transaction: idempotent
// re-entry check, open/stage/validate/apply/commit, and — on a correctable
// failure — classification, constraint synthesis, a corrective re-plan, and
// a rollback to the last valid commit so the retry starts clean.
func (k *Kernel) executeStep(ctx context.Context, run *kernelstore.AgentRun, cfg contract.Config, ws *workspace.Workspace, plan []planner.Step, stepIndex int) (*kernelstore.AgentRun, []planner.Step, error) {
	step := plan[stepIndex]
	attempt := 1
	if step.DeepCorrection != nil {
		attempt = step.DeepCorrection.Attempt
	}

	if existing, err := k.store.GetStepByKey(run.ID, stepIndex, attempt); err == nil && existing.Status == kernelstore.StepCompleted {
		return k.advancePastStep(run, step, existing.CommitHash)
	}

	_, stepSpan := telemetry.StartStepSpan(ctx, step.ID, step.Tool, stepIndex, attempt)
	defer stepSpan.End()

	var constraint *filesession.Constraint
	if step.DeepCorrection != nil {
		constraint = &filesession.Constraint{AllowedPathPrefixes: step.DeepCorrection.Constraint.AllowedPathPrefixes}
	}
	sess := filesession.New(ws, run.RunBranch, filesession.Limits{
		MaxFilesPerStep:   cfg.MaxFilesPerStep,
		MaxTotalDiffBytes: cfg.MaxTotalDiffBytes,
		MaxFileBytes:      cfg.MaxFileBytes,
		AllowEnvMutation:  cfg.AllowEnvMutation,
	}, constraint)

	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return run, plan, err
	}
	stepRow, err := k.store.CreateStep(kernelstore.AgentStep{
		RunID: run.ID, ProjectID: run.ProjectID, StepIndex: stepIndex, Attempt: attempt,
		StepID: step.ID, Type: step.Type, Tool: step.Tool, Status: kernelstore.StepRunning, InputPayload: inputJSON,
	})
	if err != nil {
		return run, plan, err
	}

	commitHash, applyErr := applyStep(sess, step, run, stepIndex)
	if applyErr != nil {
		telemetry.EndStepSpan(stepSpan, "", true)
		telemetry.RecordStepTerminal(kernelstore.StepFailed)
		_ = k.store.UpdateStepStatus(stepRow.ID, kernelstore.StepFailed, "", applyErr.Error())
		return k.handleStepFailure(ctx, run, cfg, ws, plan, stepIndex, step, attempt, stepRow.ID, applyErr)
	}
	telemetry.EndStepSpan(stepSpan, commitHash, false)
	telemetry.RecordStepTerminal(kernelstore.StepCompleted)
	_ = k.store.UpdateStepStatus(stepRow.ID, kernelstore.StepCompleted, commitHash, "")
	return k.advancePastStep(run, step, commitHash)
}

// applyStep stages, validates, applies, and commits one step's changes,
// leaving the branch at its prior HEAD on any error.
func applyStep(sess *filesession.Session, step planner.Step, run *kernelstore.AgentRun, stepIndex int) (string, error) {
	if err := sess.BeginStep(step.ID, stepIndex); err != nil {
		return "", err
	}
	changes, err := decodeStagedChanges(step)
	if err != nil {
		_ = sess.AbortStep()
		return "", err
	}
	for _, c := range changes {
		if err := sess.StageChange(c); err != nil {
			_ = sess.AbortStep()
			return "", err
		}
	}
	if err := sess.ValidateStep(); err != nil {
		_ = sess.AbortStep()
		return "", err
	}
	if err := sess.ApplyStepChanges(); err != nil {
		_ = sess.AbortStep()
		return "", err
	}
	hash, err := sess.CommitStep(filesession.CommitInfo{AgentRunID: run.ID, StepIndex: stepIndex, Tool: step.Tool, ProjectID: run.ProjectID})
	if err != nil {
		_ = sess.AbortStep()
		return "", err
	}
	return hash, nil
}

func (k *Kernel) advancePastStep(run *kernelstore.AgentRun, step planner.Step, commitHash string) (*kernelstore.AgentRun, []planner.Step, error) {
	nextIndex := run.CurrentStepIndex + 1
	stepID := step.ID
	updated, err := k.store.TransitionRun(run.ID, []string{run.Status}, run.Status, kernelstore.RunPatch{
		CurrentStepIndex: &nextIndex, CurrentCommitHash: &commitHash, LastValidCommitHash: &commitHash, LastStepID: &stepID,
	})
	return updated, nil, err
}

// handleStepFailure classifies a failed step's validation state and either
// gives up (budget exhausted or the error is fatal) or synthesizes a
// corrective step, asks the planner for a correction, splices it into the
// plan in place of the failed step, and rolls the branch back to the last
// valid commit so the retry starts from clean state.
func (k *Kernel) handleStepFailure(ctx context.Context, run *kernelstore.AgentRun, cfg contract.Config, ws *workspace.Workspace, plan []planner.Step, stepIndex int, step planner.Step, attempt int, stepRowID string, stepErr error) (*kernelstore.AgentRun, []planner.Step, error) {
	if isFatal(stepErr) {
		return run, plan, stepErr
	}

	_, corrSpan := telemetry.StartCorrectionSpan(ctx, step.ID, attempt)
	defer corrSpan.End()

	_, valSpan := telemetry.StartValidationSpan(ctx, run.RunBranch)
	report := k.pipeline.Run(ctx, ws, run.RunBranch)
	telemetry.EndValidationSpan(valSpan, report.OK, report.BlockingCount, report.WarningCount)

	profile := correction.Classify(report, stepErr.Error())

	budget := cfg.MaxRuntimeCorrectionAttempts
	if profile.ArchitectureCollapse {
		budget = cfg.MaxHeavyCorrectionAttempts
	}
	telemetry.RecordCorrectionAttempt(profile.ArchitectureCollapse)

	if attempt > budget {
		telemetry.EndCorrectionSpan(corrSpan, profile.ArchitectureCollapse, len(profile.Clusters), 0)
		telemetry.RecordConvergenceStalled()
		return run, plan, fmt.Errorf("step %s exhausted its correction attempt budget (%d): %w", step.ID, budget, stepErr)
	}

	cnstr := correction.SynthesizeConstraint(profile, cfg.MaxTotalDiffBytes)
	nextAttempt := attempt + 1
	correctiveSteps, err := k.planner.PlanCorrection(ctx, planner.CorrectionRequest{
		RunID: run.ID, FailedStepID: step.ID, Profile: profile, Constraint: cnstr, Attempt: nextAttempt,
	})
	if err != nil {
		return run, plan, err
	}
	if len(correctiveSteps) == 0 {
		return run, plan, fmt.Errorf("planner returned no corrective steps for failed step %s: %w", step.ID, stepErr)
	}

	violations, evalErr := k.evaluateCorrectionPolicy(run, cfg, step, profile, cnstr, nextAttempt, stepIndex, correctiveSteps, stepRowID)
	telemetry.EndCorrectionSpan(corrSpan, profile.ArchitectureCollapse, len(profile.Clusters), len(violations))
	if evalErr != nil {
		return run, plan, evalErr
	} else if len(violations) > 0 {
		k.log.Warn("correction policy violations", zap.String("runId", run.ID), zap.String("stepId", step.ID), zap.Int("count", len(violations)))
	}

	newPlan := make([]planner.Step, 0, len(plan)+len(correctiveSteps)-1)
	newPlan = append(newPlan, plan[:stepIndex]...)
	newPlan = append(newPlan, correctiveSteps...)
	newPlan = append(newPlan, plan[stepIndex+1:]...)

	if err := ws.ResetHard(run.RunBranch, run.LastValidCommitHash); err != nil {
		return run, plan, err
	}

	planJSON, err := json.Marshal(newPlan)
	if err != nil {
		return run, plan, err
	}
	lastValid := run.LastValidCommitHash
	updated, err := k.store.TransitionRun(run.ID, []string{run.Status}, kernelstore.RunCorrecting, kernelstore.RunPatch{
		Plan: planJSON, CurrentCommitHash: &lastValid,
	})
	if err != nil {
		return run, plan, err
	}
	k.log.Warn("step corrected", zap.String("runId", run.ID), zap.String("failedStepId", step.ID), zap.Int("attempt", nextAttempt))
	return updated, newPlan, nil
}

// evaluateCorrectionPolicy runs the four named correction-policy rules
// against the about-to-be-spliced corrective steps, persists the
// classifier profile alongside the failed step's row for the next
// convergence check, and returns any violations. A blocking convergence
// violation surfaces as ConvergenceStalled, per EvaluatePolicy's contract.
func (k *Kernel) evaluateCorrectionPolicy(run *kernelstore.AgentRun, cfg contract.Config, step planner.Step, profile correction.Profile, cnstr correction.Constraint, nextAttempt, stepIndex int, correctiveSteps []planner.Step, stepRowID string) ([]correction.PolicyViolation, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}

	var priorProfileBytes []byte
	if prevAttempt := nextAttempt - 2; prevAttempt >= 1 {
		if prev, err := k.store.GetStepByKey(run.ID, stepIndex, prevAttempt); err == nil {
			priorProfileBytes = prev.CorrectionTelemetry
		}
	}

	var stagedPaths []string
	for _, cs := range correctiveSteps {
		changes, err := decodeStagedChanges(cs)
		if err != nil {
			continue
		}
		for _, c := range changes {
			stagedPaths = append(stagedPaths, c.Path)
		}
	}

	phase := "goal"
	if run.Status == kernelstore.RunOptimizing {
		phase = "optimization"
	}

	violations, err := correction.EvaluatePolicy(correction.AttemptContext{
		StepID:            correctiveSteps[0].ID,
		Attempt:           nextAttempt,
		StagedPaths:       stagedPaths,
		AllowedPrefixes:   cnstr.AllowedPathPrefixes,
		Phase:             phase,
		PriorProfileBytes: priorProfileBytes,
		Profile:           profile,
	}, correction.PolicyMode(cfg.CorrectionPolicyMode), correction.PolicyMode(cfg.CorrectionConvergenceMode))

	policyJSON, marshalErr := json.Marshal(violations)
	if marshalErr == nil {
		_ = k.store.SetStepCorrection(stepRowID, profileJSON, policyJSON)
	}
	return violations, err
}

func isFatal(err error) bool {
	var kerr *kernelerr.Error
	if errors.As(err, &kerr) {
		return kernelerr.Fatal(kerr.Kind)
	}
	return true
}

func decodeStagedChanges(step planner.Step) ([]filesession.StagedChange, error) {
	raw, ok := step.Input["changes"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal step %s changes: %w", step.ID, err)
	}
	var wire []stepChangeWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, fmt.Errorf("decode step %s changes: %w", step.ID, err)
	}
	out := make([]filesession.StagedChange, 0, len(wire))
	for _, w := range wire {
		ct, err := changeType(w.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, filesession.StagedChange{
			Path: w.Path, Type: ct, NewContent: []byte(w.Content), OldContentHash: w.OldContentHash,
		})
	}
	return out, nil
}

func changeType(s string) (filesession.ChangeType, error) {
	switch filesession.ChangeType(s) {
	case filesession.Create, filesession.Update, filesession.Delete:
		return filesession.ChangeType(s), nil
	default:
		return "", kernelerr.New(kernelerr.StepBudgetExceeded, "unknown change type %q", s)
	}
}
