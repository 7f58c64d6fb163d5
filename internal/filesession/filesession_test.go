package filesession

import (
	"testing"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

func newTestSession(t *testing.T, limits Limits, constraint *Constraint) (*workspace.Workspace, *Session) {
	t.Helper()
	ws, err := workspace.New("proj-1", t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws, New(ws, "run/1", limits, constraint)
}

func defaultLimits() Limits {
	return Limits{MaxFilesPerStep: 10, MaxTotalDiffBytes: 10_000, MaxFileBytes: 5_000}
}

func TestCreateStageApplyCommitRoundTrip(t *testing.T) {
	ws, s := newTestSession(t, defaultLimits(), nil)
	if err := s.BeginStep("step-0", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "src/app.ts", Type: Create, NewContent: []byte("export const x = 1;")}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.ValidateStep(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.ApplyStepChanges(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hash, err := s.CommitStep(CommitInfo{AgentRunID: "run-1", StepIndex: 0, Tool: "ai_mutation"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty commit hash")
	}
	res, err := ws.Read("run/1", "src/app.ts")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.Exists || string(res.Content) != "export const x = 1;" {
		t.Fatalf("unexpected read result: %+v", res)
	}
}

func TestStageCreateOnExistingPathRejected(t *testing.T) {
	ws, s := newTestSession(t, defaultLimits(), nil)
	_ = ws.Write("run/1", "a.txt", []byte("1"))
	if _, err := ws.CommitStaged("run/1", "agentRunId=r1", "kernel"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	if err := s.BeginStep("step-0", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "a.txt", Type: Create, NewContent: []byte("2")}); !kernelerr.Is(err, kernelerr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestStageUpdateWithStaleHashRejected(t *testing.T) {
	ws, s := newTestSession(t, defaultLimits(), nil)
	_ = ws.Write("run/1", "a.txt", []byte("1"))
	if _, err := ws.CommitStaged("run/1", "agentRunId=r1", "kernel"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	if err := s.BeginStep("step-0", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "a.txt", Type: Update, NewContent: []byte("2"), OldContentHash: "deadbeef"}); !kernelerr.Is(err, kernelerr.StaleOptimisticLock) {
		t.Fatalf("expected StaleOptimisticLock, got %v", err)
	}
}

func TestValidateStepRejectsOverBudget(t *testing.T) {
	_, s := newTestSession(t, Limits{MaxFilesPerStep: 1, MaxTotalDiffBytes: 10_000, MaxFileBytes: 5_000}, nil)
	if err := s.BeginStep("step-0", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "a.txt", Type: Create, NewContent: []byte("1")}); err != nil {
		t.Fatalf("stage a: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "b.txt", Type: Create, NewContent: []byte("2")}); err != nil {
		t.Fatalf("stage b: %v", err)
	}
	if err := s.ValidateStep(); !kernelerr.Is(err, kernelerr.StepBudgetExceeded) {
		t.Fatalf("expected StepBudgetExceeded, got %v", err)
	}
}

func TestValidateStepRejectsEnvMutationByDefault(t *testing.T) {
	_, s := newTestSession(t, defaultLimits(), nil)
	if err := s.BeginStep("step-0", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: ".env.production", Type: Create, NewContent: []byte("SECRET=1")}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.ValidateStep(); !kernelerr.Is(err, kernelerr.StepBudgetExceeded) {
		t.Fatalf("expected StepBudgetExceeded for env mutation, got %v", err)
	}
}

func TestValidateStepEnforcesCorrectionConstraint(t *testing.T) {
	_, s := newTestSession(t, defaultLimits(), &Constraint{AllowedPathPrefixes: []string{"src/fix/"}})
	if err := s.BeginStep("step-1", 1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "src/unrelated.ts", Type: Create, NewContent: []byte("x")}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.ValidateStep(); !kernelerr.Is(err, kernelerr.CorrectionConstraintViolation) {
		t.Fatalf("expected CorrectionConstraintViolation, got %v", err)
	}
}

func TestAbortStepLeavesBranchUntouched(t *testing.T) {
	ws, s := newTestSession(t, defaultLimits(), nil)
	_ = ws.Write("run/1", "a.txt", []byte("1"))
	if _, err := ws.CommitStaged("run/1", "agentRunId=r1", "kernel"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	headBefore := ws.BranchHead("run/1")

	if err := s.BeginStep("step-1", 1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.StageChange(StagedChange{Path: "a.txt", Type: Update, NewContent: []byte("2"), OldContentHash: mustHash(ws, "run/1", "a.txt")}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.ApplyStepChanges(); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.AbortStep(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if ws.BranchHead("run/1") != headBefore {
		t.Fatalf("head changed after abort")
	}
	res, err := ws.Read("run/1", "a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(res.Content) != "1" {
		t.Fatalf("content = %q, want unchanged %q", res.Content, "1")
	}
}

func mustHash(ws *workspace.Workspace, branch, path string) string {
	res, _ := ws.Read(branch, path)
	return res.ContentHash
}

func TestCommitInfoSubjectForms(t *testing.T) {
	scaffold := CommitInfo{ProjectID: "proj-1"}
	if scaffold.Subject() != "agentRunId=project-scaffold-proj-1" {
		t.Fatalf("scaffold subject = %q", scaffold.Subject())
	}
	step := CommitInfo{AgentRunID: "run-1", StepIndex: 2, Tool: "ai_mutation"}
	if step.Subject() != "step-2 (ai_mutation) :: agentRunId=run-1" {
		t.Fatalf("step subject = %q", step.Subject())
	}
}
