// Package governance renders the final PASS/FAIL verdict on a terminal run:
// an ordered, closed set of reason checks folding into one deterministic,
// hash-stamped decision. The ordered deny-check-to-one-verdict shape follows
// the teacher engine's Evaluate/Decision pattern.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/validation"
)

// ReasonCode is one member of the closed reason-code set, evaluated in a
// fixed order; any non-empty reasonCodes list means FAIL.
type ReasonCode string

const (
	ReasonRunNotTerminal      ReasonCode = "RUN_NOT_TERMINAL"
	ReasonRunFailed           ReasonCode = "RUN_FAILED"
	ReasonRunCancelled        ReasonCode = "RUN_CANCELLED"
	ReasonRunNotValidated     ReasonCode = "RUN_NOT_VALIDATED"
	ReasonRunValidationFailed ReasonCode = "RUN_VALIDATION_FAILED"
	ReasonRunV1ReadyFailed    ReasonCode = "RUN_V1_READY_FAILED"
	ReasonRunCommitMissing    ReasonCode = "RUN_COMMIT_MISSING"
	ReasonRunCommitDrift      ReasonCode = "RUN_COMMIT_DRIFT"
	ReasonUnsupportedContract ReasonCode = "UNSUPPORTED_CONTRACT"
	ReasonBranchLockMismatch  ReasonCode = "BRANCH_LOCK_MISMATCH"
)

// Decision is "PASS" or "FAIL".
type Decision string

const (
	Pass Decision = "PASS"
	Fail Decision = "FAIL"
)

const decisionSchemaVersion = 2

// ContractSummary is the contract section of a GovernanceDecision.
type ContractSummary struct {
	SchemaVersion  int                `json:"schemaVersion"`
	Hash           string             `json:"hash"`
	Material       contract.Material  `json:"material"`
	FallbackUsed   bool               `json:"fallbackUsed"`
	FallbackFields []string           `json:"fallbackFields,omitempty"`
}

// Reason is one evaluated reason-code occurrence with optional structured
// detail.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Details any        `json:"details,omitempty"`
}

// ArtifactRef points at an artifact produced by the run, attached on PASS.
type ArtifactRef struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// GovernanceDecision is the final rendered verdict, per §4.8.
type GovernanceDecision struct {
	DecisionSchemaVersion int             `json:"decisionSchemaVersion"`
	DecisionHash          string          `json:"decisionHash"`
	Decision              Decision        `json:"decision"`
	RunID                 string          `json:"runId"`
	Contract              ContractSummary `json:"contract"`
	ReasonCodes           []ReasonCode    `json:"reasonCodes"`
	Reasons               []Reason        `json:"reasons"`
	ArtifactRefs          []ArtifactRef   `json:"artifactRefs"`
}

// Options controls strictness knobs not implied by the run/contract alone.
type Options struct {
	StrictV1Ready bool
}

// Input bundles everything Decide needs to evaluate a run.
type Input struct {
	Run              kernelstore.AgentRun
	ContractSummary  ContractSummary
	ProjectHeadCommit string // current HEAD commit hash of the project's main branch
	BranchLocked     bool   // true if a different run currently holds the project's branch lock
	V1Ready          *validation.V1ReadyReport
}

// Decide renders the governance verdict for a terminal run. Reason codes are
// evaluated in the fixed order of the closed set; the first FAIL still
// continues evaluating subsequent codes so reasonCodes/reasons report every
// applicable violation, matching §4.8's "evaluated in order; any produces
// FAIL" semantics rather than stopping at the first hit.
func Decide(in Input, opts Options) (GovernanceDecision, error) {
	var codes []ReasonCode
	var reasons []Reason
	add := func(code ReasonCode, details any) {
		codes = append(codes, code)
		reasons = append(reasons, Reason{Code: code, Details: details})
	}

	terminal := in.Run.Status == kernelstore.RunComplete || in.Run.Status == kernelstore.RunFailed || in.Run.Status == kernelstore.RunCancelled
	if !terminal {
		add(ReasonRunNotTerminal, map[string]string{"status": in.Run.Status})
	} else {
		if in.Run.Status == kernelstore.RunFailed {
			add(ReasonRunFailed, nil)
		}
		if in.Run.Status == kernelstore.RunCancelled {
			add(ReasonRunCancelled, nil)
		}
	}

	if in.Run.ValidationStatus == "" {
		add(ReasonRunNotValidated, nil)
	} else if in.Run.ValidationStatus == kernelstore.ValidationFailed {
		add(ReasonRunValidationFailed, nil)
	}

	if opts.StrictV1Ready {
		if in.V1Ready == nil || !in.V1Ready.OK {
			add(ReasonRunV1ReadyFailed, nil)
		}
	}

	if in.Run.CurrentCommitHash == "" {
		add(ReasonRunCommitMissing, nil)
	} else if in.ProjectHeadCommit != "" && in.ProjectHeadCommit != in.Run.CurrentCommitHash {
		add(ReasonRunCommitDrift, map[string]string{"projectHead": in.ProjectHeadCommit, "runCommit": in.Run.CurrentCommitHash})
	}

	if in.ContractSummary.FallbackUsed || in.ContractSummary.Material.Unsupported() {
		add(ReasonUnsupportedContract, nil)
	}

	if in.BranchLocked {
		add(ReasonBranchLockMismatch, nil)
	}

	sortedCodes := append([]ReasonCode{}, codes...)
	sort.Slice(sortedCodes, func(i, j int) bool { return sortedCodes[i] < sortedCodes[j] })
	sortedCodes = uniqueCodes(sortedCodes)

	decision := Pass
	var artifacts []ArtifactRef
	if len(sortedCodes) > 0 {
		decision = Fail
	} else {
		reasons = nil
		if targetPath, ok := validationTargetPath(in.Run.ValidationResult); ok {
			artifacts = append(artifacts, ArtifactRef{Kind: "validation_target", Path: targetPath})
		}
	}

	d := GovernanceDecision{
		DecisionSchemaVersion: decisionSchemaVersion,
		Decision:              decision,
		RunID:                 in.Run.ID,
		Contract:              in.ContractSummary,
		ReasonCodes:           sortedCodes,
		Reasons:               reasons,
		ArtifactRefs:          artifacts,
	}
	hash, err := d.computeHash()
	if err != nil {
		return GovernanceDecision{}, err
	}
	d.DecisionHash = hash
	return d, nil
}

func uniqueCodes(sorted []ReasonCode) []ReasonCode {
	if len(sorted) == 0 {
		return nil
	}
	out := sorted[:1]
	for _, c := range sorted[1:] {
		if c != out[len(out)-1] {
			out = append(out, c)
		}
	}
	return out
}

// validationTargetPath extracts targetPath from the opaque, already-marshaled
// ValidationReport bytes persisted on the run.
func validationTargetPath(validationResult []byte) (string, bool) {
	if len(validationResult) == 0 {
		return "", false
	}
	var payload struct {
		TargetPath string `json:"targetPath"`
	}
	if err := json.Unmarshal(validationResult, &payload); err != nil || payload.TargetPath == "" {
		return "", false
	}
	return payload.TargetPath, true
}

// computeHash covers every field of d except DecisionHash itself, over
// canonical JSON (fixed field order from the struct tags, no hash field
// present in the hashed payload).
func (d GovernanceDecision) computeHash() (string, error) {
	hashable := struct {
		DecisionSchemaVersion int             `json:"decisionSchemaVersion"`
		Decision              Decision        `json:"decision"`
		RunID                 string          `json:"runId"`
		Contract              ContractSummary `json:"contract"`
		ReasonCodes           []ReasonCode    `json:"reasonCodes"`
		Reasons               []Reason        `json:"reasons"`
		ArtifactRefs          []ArtifactRef   `json:"artifactRefs"`
	}{
		DecisionSchemaVersion: d.DecisionSchemaVersion,
		Decision:              d.Decision,
		RunID:                 d.RunID,
		Contract:              d.Contract,
		ReasonCodes:           d.ReasonCodes,
		Reasons:               d.Reasons,
		ArtifactRefs:          d.ArtifactRefs,
	}
	b, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal governance decision: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
