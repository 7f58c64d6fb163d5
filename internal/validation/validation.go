// Package validation implements the Validation Pipeline: an ordered chain
// of named checks run against a workspace tree, aggregated into one report.
// The chain shape follows the teacher engine's Evaluate pre-flight chain —
// a fixed ordered sequence of named checks feeding one aggregate decision —
// generalized from a single tool-call decision to a multi-check report.
package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// CheckStatus is the outcome of one named check.
type CheckStatus string

const (
	Pass CheckStatus = "pass"
	Fail CheckStatus = "fail"
	Skip CheckStatus = "skip"
)

// Severity classifies a Fail outcome as blocking the run or merely warning.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Violation is one rule-tagged finding within a check (architecture check
// populates these; other checks may leave it empty).
type Violation struct {
	RuleID  string         `json:"ruleId"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckResult is the outcome of a single named check.
type CheckResult struct {
	ID         string         `json:"id"`
	Status     CheckStatus    `json:"status"`
	Severity   Severity       `json:"severity,omitempty"`
	Message    string         `json:"message"`
	Violations []Violation    `json:"violations,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Report is the aggregate output of Run.
type Report struct {
	OK            bool          `json:"ok"`
	BlockingCount int           `json:"blockingCount"`
	WarningCount  int           `json:"warningCount"`
	Summary       string        `json:"summary"`
	Checks        []CheckResult `json:"checks"`
}

// V1ReadyReport is the optional V1-ready sub-report over a named target subset.
type V1ReadyReport struct {
	OK      bool          `json:"ok"`
	Verdict string        `json:"verdict"` // "YES" | "NO"
	Checks  []CheckResult `json:"checks"`
}

// Check is one named, orderable validation step.
type Check interface {
	ID() string
	Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	Name string
	Fn   func(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult
}

func (f CheckFunc) ID() string { return f.Name }
func (f CheckFunc) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	return f.Fn(ctx, ws, branch)
}

// Pipeline runs an ordered list of checks and aggregates them into a Report.
type Pipeline struct {
	checks []Check
}

// NewPipeline builds a pipeline over the standard check order: architecture,
// typecheck, build, tests, and (if provided) a runtime-boot check.
func NewPipeline(checks ...Check) *Pipeline {
	return &Pipeline{checks: checks}
}

// DefaultChecks returns the standard architecture/typecheck/build/tests
// checks plus the OCI-backed runtime-boot check (§4.6).
func DefaultChecks() []Check {
	return []Check{
		ArchitectureCheck{},
		TypecheckCheck{},
		BuildCheck{},
		TestsCheck{},
		RuntimeBootCheck{},
	}
}

// Run executes every check in order against branch and aggregates the result.
// Summary semantics match §4.6: ok = blockingCount == 0.
func (p *Pipeline) Run(ctx context.Context, ws *workspace.Workspace, branch string) Report {
	var results []CheckResult
	var blocking, warnings int
	var failedIDs []string

	for _, c := range p.checks {
		res := c.Run(ctx, ws, branch)
		res.ID = c.ID()
		results = append(results, res)
		switch res.Status {
		case Fail:
			failedIDs = append(failedIDs, res.ID)
			if res.Severity == SeverityWarn {
				warnings++
			} else {
				blocking++
			}
		}
	}

	sort.Strings(failedIDs)
	summary := fmt.Sprintf("failed checks: %s; blocking=%d; warnings=%d", strings.Join(failedIDs, ", "), blocking, warnings)
	return Report{
		OK:            blocking == 0,
		BlockingCount: blocking,
		WarningCount:  warnings,
		Summary:       summary,
		Checks:        results,
	}
}

// RunV1Ready runs a named subset of checks and reports a YES/NO verdict;
// verdict=YES iff the subset's aggregate ok is true.
func (p *Pipeline) RunV1Ready(ctx context.Context, ws *workspace.Workspace, branch string, targetIDs []string) V1ReadyReport {
	want := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		want[id] = true
	}
	var results []CheckResult
	ok := true
	for _, c := range p.checks {
		if !want[c.ID()] {
			continue
		}
		res := c.Run(ctx, ws, branch)
		res.ID = c.ID()
		results = append(results, res)
		if res.Status == Fail && res.Severity != SeverityWarn {
			ok = false
		}
	}
	verdict := "NO"
	if ok {
		verdict = "YES"
	}
	return V1ReadyReport{OK: ok, Verdict: verdict, Checks: results}
}
