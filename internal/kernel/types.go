package kernel

import (
	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/governance"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/validation"
)

// ExecutionConfigSummary mirrors governance's contract section so callers of
// queueRun/queueResumeRun/getRunWithSteps see the same shape.
type ExecutionConfigSummary = governance.ContractSummary

// QueueRunInput starts a brand new run against a project.
type QueueRunInput struct {
	ProjectID      string
	CreatedBy      string
	Goal           string
	ProviderID     string
	Model          string
	Profile        contract.Profile
	Overrides      contract.Overrides
	RandomnessSeed string
}

// QueueRunResult is queueRun's/queueResumeRun's return shape.
type QueueRunResult struct {
	Run             *kernelstore.AgentRun
	QueuedJob       *kernelstore.RunJob
	ExecutionConfig ExecutionConfigSummary
	Contract        contract.Config
}

// QueueResumeRunInput resumes a non-active run, subject to execution-config
// drift checking (§4.3).
type QueueResumeRunInput struct {
	RunID                   string
	Fork                    bool
	OverrideExecutionConfig bool
	Overrides               contract.Overrides
}

// ForkRunInput creates a new run rooted at a prior run's step commit.
type ForkRunInput struct {
	RunID     string
	StepID    string
	CreatedBy string
}

// ForkRunResult is forkRun's return shape.
type ForkRunResult struct {
	Run   *kernelstore.AgentRun
	Steps []*kernelstore.AgentStep
}

// RunWithSteps is getRunWithSteps's return shape.
type RunWithSteps struct {
	Run             *kernelstore.AgentRun
	Steps           []*kernelstore.AgentStep
	ExecutionConfig ExecutionConfigSummary
}

// ValidateRunOutputInput runs the validation pipeline against a run's branch
// and persists the result on the run.
type ValidateRunOutputInput struct {
	ProjectID     string
	RunID         string
	StrictV1Ready bool
}

// ValidateRunOutputResult is validateRunOutput's return shape.
type ValidateRunOutputResult struct {
	Run        *kernelstore.AgentRun
	Validation validation.Report
	V1Ready    *validation.V1ReadyReport
	TargetPath string
}

// DecideInput is decide's input.
type DecideInput struct {
	ProjectID     string
	RunID         string
	StrictV1Ready bool
}

// persistedValidationResult is the JSON shape written to
// AgentRun.ValidationResult: the full report plus the top-level targetPath
// field governance.Decide extracts artifacts from.
type persistedValidationResult struct {
	Report     validation.Report `json:"report"`
	TargetPath string            `json:"targetPath,omitempty"`
}

// persistedExecutionConfig is the JSON shape stored under
// run.Metadata["executionConfig"]/["executionContractMaterial"], per §6.
type persistedExecutionConfig struct {
	Config   contract.Config   `json:"config"`
	Material contract.Material `json:"material"`
	Hash     string            `json:"hash"`
}
