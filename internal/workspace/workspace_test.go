package workspace

import (
	"testing"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New("proj-1", t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return w
}

func TestWriteCommitReadRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.Write("main", "src/app.ts", []byte("export const x = 1;")); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash, err := w.CommitStaged("main", "agentRunId=project-scaffold-proj-1", "kernel")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty commit hash")
	}

	res, err := w.Read("main", "src/app.ts")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !res.Exists || string(res.Content) != "export const x = 1;" {
		t.Fatalf("unexpected read result: %+v", res)
	}
	if w.BranchHead("main") != hash {
		t.Fatalf("branch head = %s, want %s", w.BranchHead("main"), hash)
	}
}

func TestEmptyCommitRejected(t *testing.T) {
	w := newTestWorkspace(t)
	if _, err := w.CommitStaged("main", "agentRunId=project-scaffold-proj-1", "kernel"); !kernelerr.Is(err, kernelerr.EmptyCommit) {
		t.Fatalf("expected EmptyCommit, got %v", err)
	}
}

func TestTraversalIsContainedWithinRoot(t *testing.T) {
	w := newTestWorkspace(t)
	// Traversal segments are rooted at "/" before being joined onto the
	// workspace root, so they can never walk above it; resolvePath always
	// resolves back inside root rather than returning PathEscape here.
	if err := w.Write("main", "../../etc/passwd", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := w.Stat("main", "/etc/passwd")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !res.Exists {
		t.Fatalf("expected traversal to resolve to /etc/passwd within the workspace root")
	}
}

func TestCommitSubjectMustMatchContract(t *testing.T) {
	w := newTestWorkspace(t)
	if err := w.Write("main", "a.txt", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.CommitStaged("main", "not a valid subject", "kernel"); !kernelerr.Is(err, kernelerr.EmptyCommit) {
		t.Fatalf("expected invalid subject to be rejected, got %v", err)
	}
}

func TestDiffAddModifyDelete(t *testing.T) {
	w := newTestWorkspace(t)
	_ = w.Write("main", "a.txt", []byte("1"))
	h1, err := w.CommitStaged("main", "agentRunId=r1", "kernel")
	if err != nil {
		t.Fatalf("commit1: %v", err)
	}

	_ = w.Write("main", "a.txt", []byte("2"))
	_ = w.Write("main", "b.txt", []byte("new"))
	h2, err := w.CommitStaged("main", "agentRunId=r1", "kernel")
	if err != nil {
		t.Fatalf("commit2: %v", err)
	}

	diffs, err := w.Diff(h1, h2)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected 2 diff entries, got %d", len(diffs))
	}
}

func TestResetHardRestoresHead(t *testing.T) {
	w := newTestWorkspace(t)
	_ = w.Write("main", "a.txt", []byte("1"))
	h1, err := w.CommitStaged("main", "agentRunId=r1", "kernel")
	if err != nil {
		t.Fatalf("commit1: %v", err)
	}
	_ = w.Write("main", "a.txt", []byte("2"))
	if _, err := w.CommitStaged("main", "agentRunId=r1", "kernel"); err != nil {
		t.Fatalf("commit2: %v", err)
	}
	if err := w.ResetHard("main", h1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if w.BranchHead("main") != h1 {
		t.Fatalf("head after reset = %s, want %s", w.BranchHead("main"), h1)
	}
}
