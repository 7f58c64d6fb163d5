// Package planner defines the boundary between the kernel's execute loop and
// whatever produces plans and corrective steps. The core only ever consumes
// this interface; per the external contract, the planner itself is "pure,
// its implementation is external" — the kernel does not perform LLM calls.
package planner

import (
	"context"
	"time"

	"github.com/andrewbusc/legatorkernel/internal/correction"
)

// Step is one planned unit of work a run will execute. It mirrors the wire
// contract `{id, type, tool, input, mutates}`: a corrective step additionally
// carries a DeepCorrection envelope (§4.7).
type Step struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Tool    string         `json:"tool"`
	Input   map[string]any `json:"input"`
	Mutates bool           `json:"mutates"`

	DeepCorrection *DeepCorrectionEnvelope `json:"_deepCorrection,omitempty"`
}

// DeepCorrectionEnvelope records the inputs that produced a corrective step,
// mirrored verbatim onto the step per §4.7.
type DeepCorrectionEnvelope struct {
	Phase        string               `json:"phase"`
	Attempt      int                  `json:"attempt"`
	FailedStepID string               `json:"failedStepId"`
	Profile      correction.Profile   `json:"profile"`
	Constraint   correction.Constraint `json:"constraint"`
	CreatedAt    time.Time            `json:"createdAt"`
}

// PlanRequest is the input to an initial plan.
type PlanRequest struct {
	RunID   string
	Goal    string
	Context map[string]any
}

// CorrectionRequest is the input to a corrective plan, issued after a failed
// step and a classifier pass.
type CorrectionRequest struct {
	RunID        string
	FailedStepID string
	Profile      correction.Profile
	Constraint   correction.Constraint
	Attempt      int
}

// Planner is the interface the kernel's execute loop consumes. Calls are
// bounded by the caller's context (the kernel applies plannerTimeoutMs, §5).
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]Step, error)
	PlanCorrection(ctx context.Context, req CorrectionRequest) ([]Step, error)
}
