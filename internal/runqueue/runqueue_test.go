package runqueue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
)

func newTestQueue(t *testing.T) (*kernelstore.Store, *Queue) {
	t.Helper()
	store, err := kernelstore.Open("sqlite", filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, New(store, nil)
}

func seedRun(t *testing.T, store *kernelstore.Store) *kernelstore.AgentRun {
	t.Helper()
	p, err := store.CreateProject(kernelstore.Project{OrgID: "org-1", WorkspaceID: "ws-1", Name: "demo", CreatedBy: "user-1"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	run, err := store.CreateRun(kernelstore.AgentRun{ProjectID: p.ID, Goal: "g", Status: kernelstore.RunQueued, RunBranch: "run/" + p.ID})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestEnqueueAndClaimRunJob(t *testing.T) {
	store, q := newTestQueue(t)
	run := seedRun(t, store)

	job, err := q.EnqueueRunJob(run.ID, run.ProjectID, kernelstore.JobKindStart, "worker", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.ClaimNextRunJob(context.Background(), "node-1", "worker", 30)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected claim to succeed on %s", job.ID)
	}
}

func TestHasActiveJobReflectsLifecycle(t *testing.T) {
	store, q := newTestQueue(t)
	run := seedRun(t, store)

	active, err := q.HasActiveJob(run.ID)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatalf("expected no active job before enqueue")
	}

	job, err := q.EnqueueRunJob(run.ID, run.ProjectID, kernelstore.JobKindStart, "worker", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	active, err = q.HasActiveJob(run.ID)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if !active {
		t.Fatalf("expected active job after enqueue")
	}

	if _, err := q.ClaimNextRunJob(context.Background(), "node-1", "worker", 30); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.CompleteJob(job.ID, "node-1", kernelstore.JobComplete, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	active, err = q.HasActiveJob(run.ID)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatalf("expected no active job once complete")
	}
}

func TestWorkerRegistrationAndAuthentication(t *testing.T) {
	_, q := newTestQueue(t)
	token, err := q.RegisterWorker("node-1", "worker", []string{"typescript", "python"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := q.AuthenticateWorker("node-1", token); err != nil {
		t.Fatalf("authenticate with correct token: %v", err)
	}
	if err := q.AuthenticateWorker("node-1", "wrong-token"); err == nil {
		t.Fatalf("expected authentication failure for wrong token")
	}
	if err := q.AuthenticateWorker("unknown-node", token); err == nil {
		t.Fatalf("expected authentication failure for unregistered node")
	}
}

func TestParseSweepScheduleAcceptsDurationAndCron(t *testing.T) {
	if _, err := parseSweepSchedule("30s"); err != nil {
		t.Fatalf("duration schedule: %v", err)
	}
	if _, err := parseSweepSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("cron schedule: %v", err)
	}
	if _, err := parseSweepSchedule("not a schedule"); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
}

func TestReclaimExpiredLeasesViaStore(t *testing.T) {
	store, q := newTestQueue(t)
	run := seedRun(t, store)
	job, err := q.EnqueueRunJob(run.ID, run.ProjectID, kernelstore.JobKindStart, "worker", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Claim with a lease that has already expired (negative seconds) so the
	// sweep has something orphaned to reclaim.
	if _, err := store.ClaimNextRunJob("node-1", "worker", -1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	reclaimed, err := store.ReclaimExpiredLeases()
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("expected to reclaim %s, got %+v", job.ID, reclaimed)
	}
	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != kernelstore.JobQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
}
