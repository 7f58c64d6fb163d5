// Package kernelstore is the Content Store: durable persistence for
// projects, agent runs, agent steps, run jobs, and worker nodes, with
// atomic multi-row updates, row-level lease acquisition, and cursor
// listings.
package kernelstore

import "time"

// Run status values. The state machine is enforced by TransitionRun.
const (
	RunQueued     = "queued"
	RunRunning    = "running"
	RunCorrecting = "correcting"
	RunOptimizing = "optimizing"
	RunValidating = "validating"
	RunComplete   = "complete"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
)

// ActiveRunStatuses is the set of statuses that hold the project branch lock.
var ActiveRunStatuses = []string{RunQueued, RunRunning, RunCorrecting, RunOptimizing, RunValidating}

// Step types and statuses.
const (
	StepAnalyze = "analyze"
	StepModify  = "modify"
	StepVerify  = "verify"

	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// RunJob kinds and statuses.
const (
	JobKindStart  = "start"
	JobKindResume = "resume"

	JobQueued   = "queued"
	JobLeased   = "leased"
	JobComplete = "complete"
	JobFailed   = "failed"
)

// Validation status recorded on a terminal run.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

// Project is the top-level container that owns a workspace and main branch.
type Project struct {
	ID          string
	OrgID       string
	WorkspaceID string
	Name        string
	TemplateID  string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	History     []HistoryEntry
}

// HistoryEntry is one bounded (<=80), recent-first activity record.
type HistoryEntry struct {
	Kind         string
	Prompt       string
	Summary      string
	FilesChanged int
	CommitHash   string
	Metadata     map[string]any
	CreatedAt    time.Time
}

const maxHistoryEntries = 80

// AgentRun is one execution of a goal against a project.
type AgentRun struct {
	ID                   string
	ProjectID            string
	OrgID                string
	WorkspaceID          string
	CreatedBy            string
	Goal                 string
	ProviderID           string
	Model                string
	Status               string
	CurrentStepIndex     int
	LastStepID           string
	Plan                 []byte // JSON-encoded plan, opaque to the store
	BaseCommitHash       string
	CurrentCommitHash    string
	LastValidCommitHash  string
	RunBranch            string
	WorktreePath         string
	ValidationStatus     string // "", "passed", "failed"
	ValidationResult     []byte // JSON-encoded ValidationReport
	ValidatedAt          *time.Time
	ErrorMessage          string
	CancelRequested       bool
	StartedAt             time.Time
	FinishedAt            *time.Time
	Metadata              map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AgentStep is one (stepIndex, attempt) tuple under a run.
type AgentStep struct {
	ID                  string
	RunID               string
	ProjectID           string
	StepIndex           int
	Attempt             int
	StepID              string
	Type                string
	Tool                string
	Status              string
	InputPayload        []byte
	OutputPayload       []byte
	ErrorMessage        string
	CommitHash          string
	RuntimeStatus       string
	StartedAt           *time.Time
	FinishedAt          *time.Time
	CreatedAt           time.Time
	CorrectionTelemetry []byte
	CorrectionPolicy    []byte
}

// RunJob is a unit of dispatchable work atop an AgentRun.
type RunJob struct {
	ID             string
	RunID          string
	ProjectID      string
	Kind           string
	TargetRole     string
	Payload        []byte
	Status         string
	AssignedNode   string
	LeaseExpiresAt *time.Time
	Attempt        int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkerNode is a registered compute worker.
type WorkerNode struct {
	NodeID          string
	Role            string
	Capabilities    []string
	Status          string
	LastHeartbeatAt time.Time
	StartedAt       time.Time
}
