package kernelstore

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p, err := s.CreateProject(Project{
		OrgID:       "org-1",
		WorkspaceID: "ws-1",
		Name:        "demo",
		TemplateID:  "template-node",
		CreatedBy:   "user-1",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "demo" {
		t.Fatalf("name = %q, want demo", got.Name)
	}
	if len(got.History) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(got.History))
	}
}

func TestAppendProjectHistoryTrimsToBound(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	for i := 0; i < maxHistoryEntries+10; i++ {
		if err := s.AppendProjectHistory(p.ID, HistoryEntry{Kind: "run", Summary: "x"}); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}
	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if len(got.History) != maxHistoryEntries {
		t.Fatalf("history length = %d, want %d", len(got.History), maxHistoryEntries)
	}
}

func TestRunLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	run, err := s.CreateRun(AgentRun{
		ProjectID: p.ID,
		OrgID:     p.OrgID,
		Goal:      "add a health endpoint",
		Status:    RunQueued,
		RunBranch: "run/" + p.ID,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	active, err := s.HasActiveRun(p.ID)
	if err != nil {
		t.Fatalf("has active run: %v", err)
	}
	if !active {
		t.Fatalf("expected active run after queueing")
	}

	if _, err := s.TransitionRun(run.ID, []string{RunQueued}, RunRunning, RunPatch{}); err != nil {
		t.Fatalf("transition to running: %v", err)
	}

	if _, err := s.TransitionRun(run.ID, []string{RunQueued}, RunComplete, RunPatch{}); err == nil {
		t.Fatalf("expected transition from stale fromStatus to fail")
	}

	finished, err := s.TransitionRun(run.ID, []string{RunRunning}, RunComplete, RunPatch{})
	if err != nil {
		t.Fatalf("transition to complete: %v", err)
	}
	if finished.Status != RunComplete {
		t.Fatalf("status = %q, want complete", finished.Status)
	}

	active, err = s.HasActiveRun(p.ID)
	if err != nil {
		t.Fatalf("has active run: %v", err)
	}
	if active {
		t.Fatalf("expected no active run once complete")
	}
}

func TestStepKeyUniqueness(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	run, err := s.CreateRun(AgentRun{ProjectID: p.ID, Goal: "g", Status: RunRunning, RunBranch: "b"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if _, err := s.CreateStep(AgentStep{RunID: run.ID, ProjectID: p.ID, StepIndex: 0, Attempt: 1, StepID: "s0", Type: StepModify, Tool: "ai_mutation", Status: StepRunning}); err != nil {
		t.Fatalf("create step: %v", err)
	}
	if _, err := s.CreateStep(AgentStep{RunID: run.ID, ProjectID: p.ID, StepIndex: 0, Attempt: 1, StepID: "s0-dup", Type: StepModify, Tool: "ai_mutation", Status: StepRunning}); err == nil {
		t.Fatalf("expected duplicate (runId, stepIndex, attempt) to fail")
	}

	steps, err := s.ListSteps(run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
}

func TestEnqueueRunJobRejectsDuplicateActive(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	run, err := s.CreateRun(AgentRun{ProjectID: p.ID, Goal: "g", Status: RunQueued, RunBranch: "b"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := s.EnqueueRunJob(RunJob{RunID: run.ID, ProjectID: p.ID, Kind: JobKindStart, TargetRole: "worker"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueRunJob(RunJob{RunID: run.ID, ProjectID: p.ID, Kind: JobKindStart, TargetRole: "worker"}); err == nil {
		t.Fatalf("expected DuplicateActiveJob")
	}
}

func TestClaimHeartbeatCompleteLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	run, err := s.CreateRun(AgentRun{ProjectID: p.ID, Goal: "g", Status: RunQueued, RunBranch: "b"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	job, err := s.EnqueueRunJob(RunJob{RunID: run.ID, ProjectID: p.ID, Kind: JobKindStart, TargetRole: "worker"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimNextRunJob("node-1", "worker", 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim %s, got %+v", job.ID, claimed)
	}

	none, err := s.ClaimNextRunJob("node-2", "worker", 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no eligible job for a second claimer, got %+v", none)
	}

	if err := s.HeartbeatJob(job.ID, "node-1", 30); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.HeartbeatJob(job.ID, "node-2", 30); err == nil {
		t.Fatalf("expected LeaseLost for wrong node")
	}
	if err := s.CompleteJob(job.ID, "node-1", JobComplete, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobComplete {
		t.Fatalf("status = %q, want complete", got.Status)
	}
}

func TestReleaseJobRetryableReturnsToQueue(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	run, err := s.CreateRun(AgentRun{ProjectID: p.ID, Goal: "g", Status: RunQueued, RunBranch: "b"})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	job, err := s.EnqueueRunJob(RunJob{RunID: run.ID, ProjectID: p.ID, Kind: JobKindStart, TargetRole: "worker"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.ClaimNextRunJob("node-1", "worker", 30); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReleaseJob(job.ID, "node-1", true, "transient failure"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
}

func TestConsumeRateLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		ok, err := s.ConsumeRateLimit("key-a", 3, 60)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d should be within limit", i)
		}
	}
	ok, err := s.ConsumeRateLimit("key-a", 3, 60)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatalf("4th attempt should exceed limit")
	}
}
