// Package filesession implements the per-step transaction over a project
// branch: stage changes, validate them against step limits and correction
// constraints, apply them to the branch, and commit with a structured
// subject — or abort, leaving the branch byte-identical to its prior HEAD.
package filesession

import (
	"fmt"
	"strings"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// ChangeType is the kind of a staged change.
type ChangeType string

const (
	Create ChangeType = "create"
	Update ChangeType = "update"
	Delete ChangeType = "delete"
)

// Limits bound the total effect of a single step, enforced in ValidateStep
// before any write reaches the workspace.
type Limits struct {
	MaxFilesPerStep   int
	MaxTotalDiffBytes int
	MaxFileBytes      int
	AllowEnvMutation  bool
}

// Constraint narrows where a corrective step is allowed to write (§4.7).
// A nil Constraint means no correction is in effect for this step.
type Constraint struct {
	AllowedPathPrefixes []string
}

// StagedChange is one proposed mutation within the open step.
type StagedChange struct {
	Path           string
	Type           ChangeType
	NewContent     []byte
	OldContentHash string
}

// CommitInfo carries the commit-subject material for CommitStep.
type CommitInfo struct {
	AgentRunID string
	StepIndex  int
	Tool       string // empty for the project-scaffold form
	ProjectID  string // used only for the scaffold subject form
}

// Subject renders the structured commit subject per §4.1/§6.
func (c CommitInfo) Subject() string {
	if c.Tool == "" {
		return fmt.Sprintf("agentRunId=project-scaffold-%s", c.ProjectID)
	}
	return fmt.Sprintf("step-%d (%s) :: agentRunId=%s", c.StepIndex, c.Tool, c.AgentRunID)
}

// Session is a per-step transaction over one branch of a workspace.
type Session struct {
	ws         *workspace.Workspace
	branch     string
	limits     Limits
	constraint *Constraint

	stepID    string
	stepIndex int
	open      bool
	staged    []StagedChange
	headAtOpen string
}

// New opens a File Session over branch with the given limits. constraint
// may be nil when the step is not a corrective step.
func New(ws *workspace.Workspace, branch string, limits Limits, constraint *Constraint) *Session {
	return &Session{ws: ws, branch: branch, limits: limits, constraint: constraint}
}

// BeginStep opens a new step transaction. It is an error to call BeginStep
// while another step is already open on this session.
func (s *Session) BeginStep(stepID string, stepIndex int) error {
	if s.open {
		return kernelerr.New(kernelerr.WorkspaceLocked, "a step is already open on this session")
	}
	s.stepID = stepID
	s.stepIndex = stepIndex
	s.open = true
	s.staged = nil
	s.headAtOpen = s.ws.BranchHead(s.branch)
	return nil
}

// StageChange records a proposed change. create/update/delete semantics are
// checked against current workspace state immediately so the caller learns
// about AlreadyExists/StaleOptimisticLock as early as possible, though the
// write itself is not applied until ApplyStepChanges.
func (s *Session) StageChange(change StagedChange) error {
	if !s.open {
		return kernelerr.New(kernelerr.WorkspaceLocked, "no step is open")
	}
	existing, err := s.ws.Read(s.branch, change.Path)
	if err != nil {
		return err
	}
	switch change.Type {
	case Create:
		if existing.Exists {
			return kernelerr.New(kernelerr.AlreadyExists, "path %q already exists", change.Path)
		}
	case Update:
		if !existing.Exists {
			return kernelerr.New(kernelerr.NotFound, "path %q does not exist", change.Path)
		}
		if change.OldContentHash != existing.ContentHash {
			return kernelerr.New(kernelerr.StaleOptimisticLock, "path %q changed since it was read (have %s, want %s)", change.Path, existing.ContentHash, change.OldContentHash)
		}
	case Delete:
		if !existing.Exists {
			return kernelerr.New(kernelerr.NotFound, "path %q does not exist", change.Path)
		}
		if change.OldContentHash != "" && change.OldContentHash != existing.ContentHash {
			return kernelerr.New(kernelerr.StaleOptimisticLock, "path %q changed since it was read", change.Path)
		}
	default:
		return kernelerr.New(kernelerr.StepBudgetExceeded, "unknown change type %q", change.Type)
	}
	s.staged = append(s.staged, change)
	return nil
}

// ValidateStep sums staged bytes, counts files, and rejects anything that
// would exceed limits or fall outside an active correction constraint.
// It runs before ApplyStepChanges so no write is ever partially applied.
func (s *Session) ValidateStep() error {
	if !s.open {
		return kernelerr.New(kernelerr.WorkspaceLocked, "no step is open")
	}
	if s.limits.MaxFilesPerStep > 0 && len(s.staged) > s.limits.MaxFilesPerStep {
		return kernelerr.New(kernelerr.StepBudgetExceeded, "step stages %d files, limit is %d", len(s.staged), s.limits.MaxFilesPerStep)
	}
	var totalBytes int
	for _, c := range s.staged {
		if len(c.NewContent) > 0 {
			totalBytes += len(c.NewContent)
			if s.limits.MaxFileBytes > 0 && len(c.NewContent) > s.limits.MaxFileBytes {
				return kernelerr.New(kernelerr.StepBudgetExceeded, "file %q is %d bytes, limit is %d", c.Path, len(c.NewContent), s.limits.MaxFileBytes)
			}
		}
		if !s.limits.AllowEnvMutation && isEnvPath(c.Path) {
			return kernelerr.New(kernelerr.StepBudgetExceeded, "writes to %q require allowEnvMutation", c.Path)
		}
		if s.constraint != nil && !pathAllowed(c.Path, s.constraint.AllowedPathPrefixes) {
			return kernelerr.New(kernelerr.CorrectionConstraintViolation, "path %q is outside the allowed prefixes for this correction", c.Path)
		}
	}
	if s.limits.MaxTotalDiffBytes > 0 && totalBytes > s.limits.MaxTotalDiffBytes {
		return kernelerr.New(kernelerr.StepBudgetExceeded, "staged diff is %d bytes, limit is %d", totalBytes, s.limits.MaxTotalDiffBytes)
	}
	return nil
}

func isEnvPath(path string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	return strings.HasPrefix(base, ".env")
}

func pathAllowed(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ApplyStepChanges writes every staged change into the branch's working
// tree. It must be called only after ValidateStep succeeds.
func (s *Session) ApplyStepChanges() error {
	if !s.open {
		return kernelerr.New(kernelerr.WorkspaceLocked, "no step is open")
	}
	for _, c := range s.staged {
		var content []byte
		if c.Type != Delete {
			content = c.NewContent
		}
		if err := s.ws.Write(s.branch, c.Path, content); err != nil {
			return err
		}
	}
	return nil
}

// CommitStep commits the applied changes with the structured subject.
// Atomicity contract: if CommitStep returns a hash, every staged change is
// present on the branch; any error leaves the branch at its prior HEAD and
// the caller MUST follow up with AbortStep to clear session state.
func (s *Session) CommitStep(info CommitInfo) (string, error) {
	if !s.open {
		return "", kernelerr.New(kernelerr.WorkspaceLocked, "no step is open")
	}
	hash, err := s.ws.CommitStaged(s.branch, info.Subject(), "agent-kernel")
	if err != nil {
		return "", err
	}
	s.open = false
	s.staged = nil
	return hash, nil
}

// AbortStep discards any staged/applied-but-uncommitted changes. Since
// ApplyStepChanges only ever writes to the in-memory working tree and
// CommitStep is what advances HEAD, discarding the staged writes already
// restores the branch to the exact HEAD it had before BeginStep.
func (s *Session) AbortStep() error {
	s.ws.DiscardStaged(s.branch)
	s.open = false
	s.staged = nil
	return nil
}

// LastCommittedDiffs returns the diff of the most recent commit on branch
// against its parent, used to populate project history entries.
func (s *Session) LastCommittedDiffs() ([]workspace.DiffEntry, error) {
	commits := s.ws.ListCommits(s.branch, 2)
	if len(commits) == 0 {
		return nil, nil
	}
	if len(commits) == 1 {
		return s.ws.Diff("", commits[0].Hash)
	}
	return s.ws.Diff(commits[1].Hash, commits[0].Hash)
}
