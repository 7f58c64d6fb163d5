// Package correction classifies a validation report into a CorrectionProfile,
// synthesizes the constraint that bounds the corrective step the planner is
// allowed to propose, and evaluates the correction policy rules after each
// corrective attempt. The classification shape — ordered rules falling
// through to a default, string heuristics over log content — follows the
// teacher's ClassifyRisk/classifyTier idiom.
package correction

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/validation"
)

// ClusterKind is one member of the closed cluster catalog.
type ClusterKind string

const (
	ClusterArchitectureContract ClusterKind = "architecture_contract"
	ClusterDependencyCycle      ClusterKind = "dependency_cycle"
	ClusterRuntimeMiddlewareAPI ClusterKind = "runtime_middleware_api"
	ClusterLayerBoundary        ClusterKind = "layer_boundary_violation"
	ClusterImportResolution     ClusterKind = "import_resolution_error"
	ClusterTestContractGap      ClusterKind = "test_contract_gap"
	ClusterTypecheckFailure     ClusterKind = "typecheck_failure"
	ClusterBuildFailure         ClusterKind = "build_failure"
	ClusterTestFailure          ClusterKind = "test_failure"
)

// Reason mirrors the profile's reason tag.
type Reason string

const (
	ReasonArchitecture Reason = "architecture"
	ReasonTypecheck    Reason = "typecheck"
	ReasonBuild        Reason = "build"
	ReasonNone         Reason = ""
)

// Cluster is one classified grouping of related failures.
type Cluster struct {
	Kind            ClusterKind `json:"kind"`
	AffectedModules []string    `json:"affectedModules,omitempty"`
	Files           []string    `json:"files,omitempty"`
	Imports         []string    `json:"imports,omitempty"`
	SourceLayer     string      `json:"sourceLayer,omitempty"`
	TargetLayer     string      `json:"targetLayer,omitempty"`
}

// Profile is the classifier's output, the CorrectionProfile of §3.
type Profile struct {
	ShouldAutoCorrect    bool      `json:"shouldAutoCorrect"`
	Clusters             []Cluster `json:"clusters"`
	ArchitectureCollapse bool      `json:"architectureCollapse"`
	PlannerModeOverride  string    `json:"plannerModeOverride,omitempty"`
	DebtTargets          []string  `json:"debtTargets,omitempty"`
	Reason               Reason    `json:"reason"`
	BlockingCount        int       `json:"blockingCount"`
	ArchitectureModules  []string  `json:"architectureModules,omitempty"`
}

// archScore inputs feed the architecture-collapse scoring rule.
type archScore struct {
	MissingLayers     int
	UnknownLayerFiles int
	Cycles            int
	ArchBlocking      int
}

func (s archScore) total() int {
	total := 0
	if s.MissingLayers >= 2 {
		total++
	}
	if s.UnknownLayerFiles >= 2 {
		total++
	}
	if s.Cycles > 0 {
		total++
	}
	if s.ArchBlocking >= 8 {
		total++
	}
	return total
}

// Classify reads a validation report (plus optional tail runtime logs from
// the last corrective step) and emits a Profile.
func Classify(report validation.Report, runtimeLog string) Profile {
	p := Profile{Reason: ReasonNone}
	var archModules []string

	for _, check := range report.Checks {
		if check.Status != validation.Fail {
			continue
		}
		if check.Severity == validation.SeverityError {
			p.BlockingCount++
		}

		switch check.ID {
		case "architecture":
			modules := modulesFromViolations(check.Violations)
			archModules = append(archModules, modules...)
			p.Clusters = append(p.Clusters, Cluster{Kind: ClusterArchitectureContract, AffectedModules: modules})
			if hasRulePrefix(check.Violations, "GRAPH.CYCLE") {
				p.Clusters = append(p.Clusters, Cluster{Kind: ClusterDependencyCycle, AffectedModules: modules})
			}
			if hasRulePrefix(check.Violations, "IMPORT.MISSING_TARGET") {
				p.Clusters = append(p.Clusters, Cluster{Kind: ClusterImportResolution, Files: filesFromViolations(check.Violations)})
			}
			if p.Reason == ReasonNone {
				p.Reason = ReasonArchitecture
			}
		case "typecheck":
			p.Clusters = append(p.Clusters, Cluster{Kind: ClusterTypecheckFailure, Files: filesFromViolations(check.Violations)})
			if p.Reason == ReasonNone {
				p.Reason = ReasonTypecheck
			}
		case "build":
			p.Clusters = append(p.Clusters, Cluster{Kind: ClusterBuildFailure})
			if p.Reason == ReasonNone {
				p.Reason = ReasonBuild
			}
		case "tests":
			if hasRulePrefix(check.Violations, "TEST.CONTRACT_") {
				p.Clusters = append(p.Clusters, Cluster{Kind: ClusterTestContractGap})
			} else {
				p.Clusters = append(p.Clusters, Cluster{Kind: ClusterTestFailure})
			}
		}
	}

	if matchesRuntimeMiddlewareSymptom(runtimeLog) {
		p.Clusters = append(p.Clusters, Cluster{Kind: ClusterRuntimeMiddlewareAPI})
	}
	if files, imports, ok := matchImportResolutionError(runtimeLog); ok {
		p.Clusters = append(p.Clusters, Cluster{Kind: ClusterImportResolution, Files: files, Imports: imports})
	}

	score := archScore{
		MissingLayers:     countViolationsByPrefix(report, "STRUCTURE.MISSING"),
		UnknownLayerFiles: countViolationsByPrefix(report, "STRUCTURE.UNKNOWN_LAYER"),
		Cycles:            countViolationsByPrefix(report, "GRAPH.CYCLE"),
		ArchBlocking:      blockingCountForCheck(report, "architecture"),
	}
	if score.total() >= 3 {
		p.ArchitectureCollapse = true
		p.PlannerModeOverride = "architecture_reconstruction"
	}

	p.ArchitectureModules = dedupeSorted(archModules)
	p.ShouldAutoCorrect = len(p.Clusters) > 0 && p.BlockingCount > 0
	p.DebtTargets = dedupeSorted(debtTargetsFromClusters(p.Clusters))
	return p
}

func modulesFromViolations(vs []validation.Violation) []string {
	var out []string
	for _, v := range vs {
		if m, ok := v.Details["module"].(string); ok && m != "" {
			out = append(out, m)
		}
	}
	return out
}

func filesFromViolations(vs []validation.Violation) []string {
	var out []string
	for _, v := range vs {
		if f, ok := v.Details["file"].(string); ok && f != "" {
			out = append(out, f)
		}
	}
	return out
}

func hasRulePrefix(vs []validation.Violation, prefix string) bool {
	for _, v := range vs {
		if strings.HasPrefix(v.RuleID, prefix) {
			return true
		}
	}
	return false
}

func countViolationsByPrefix(report validation.Report, prefix string) int {
	count := 0
	for _, c := range report.Checks {
		for _, v := range c.Violations {
			if strings.HasPrefix(v.RuleID, prefix) {
				count++
			}
		}
	}
	return count
}

func blockingCountForCheck(report validation.Report, id string) int {
	for _, c := range report.Checks {
		if c.ID == id && c.Status == validation.Fail && c.Severity == validation.SeverityError {
			return len(c.Violations)
		}
	}
	return 0
}

// matchesRuntimeMiddlewareSymptom is a string-heuristic match over tail
// runtime logs for the teacher's "middleware/API surface broke on boot"
// symptom family.
func matchesRuntimeMiddlewareSymptom(log string) bool {
	if log == "" {
		return false
	}
	lower := strings.ToLower(log)
	symptoms := []string{
		"cannot set headers after they are sent",
		"middleware is not a function",
		"app.use() requires a middleware function",
		"typeerror: router.use() requires a middleware function",
		"unhandled rejection",
	}
	for _, s := range symptoms {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// matchImportResolutionError matches the teacher's module-not-found symptom
// family and extracts the offending module name if present.
func matchImportResolutionError(log string) (files []string, imports []string, ok bool) {
	if log == "" {
		return nil, nil, false
	}
	const modulePrefix = "cannot find module '"
	lower := strings.ToLower(log)
	if strings.Contains(lower, "err_module_not_found") {
		ok = true
	}
	idx := strings.Index(lower, modulePrefix)
	if idx >= 0 {
		ok = true
		rest := log[idx+len(modulePrefix):]
		if end := strings.Index(rest, "'"); end >= 0 {
			imports = append(imports, rest[:end])
		}
	}
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(line, " at ") && strings.Contains(line, ".ts") {
			files = append(files, line)
		}
	}
	return files, imports, ok
}

func debtTargetsFromClusters(clusters []Cluster) []string {
	var out []string
	for _, c := range clusters {
		out = append(out, c.AffectedModules...)
		out = append(out, c.Files...)
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Intent is a correction constraint's declared purpose, the row key in the
// constraint-synthesis table.
type Intent string

const (
	IntentRuntimeBoot     Intent = "runtime_boot"
	IntentImportResolve   Intent = "import_resolve"
	IntentArchReconstruct Intent = "arch_reconstruct"
	IntentTypecheckFix    Intent = "typecheck_fix"
)

// Constraint bounds a corrective step, matching filesession.Constraint's
// shape plus the budget fields the kernel layers on top of filesession.Limits.
type Constraint struct {
	Intent              Intent   `json:"intent"`
	MaxFiles            int      `json:"maxFiles"` // 0 = unlimited
	MaxTotalDiffBytes   int      `json:"maxTotalDiffBytes"`
	AllowedPathPrefixes []string `json:"allowedPathPrefixes"`
	Guidance            string   `json:"guidance"`
}

// SynthesizeConstraint builds the correction constraint for profile per the
// §4.7 intent table. runMaxTotalDiffBytes is the enclosing run's execution
// contract ceiling, used verbatim for arch_reconstruct's unbounded row.
func SynthesizeConstraint(p Profile, runMaxTotalDiffBytes int) Constraint {
	if p.ArchitectureCollapse {
		prefixes := make([]string, 0, len(p.ArchitectureModules))
		for _, m := range p.ArchitectureModules {
			prefixes = append(prefixes, "src/modules/"+m+"/")
		}
		if len(prefixes) == 0 {
			prefixes = []string{"src/"}
		}
		return Constraint{
			Intent: IntentArchReconstruct, MaxFiles: 0, MaxTotalDiffBytes: runMaxTotalDiffBytes,
			AllowedPathPrefixes: prefixes, Guidance: "Recreate missing layers.",
		}
	}

	for _, c := range p.Clusters {
		switch c.Kind {
		case ClusterImportResolution:
			prefixes := append([]string{}, c.Files...)
			prefixes = append(prefixes, parentDirs(c.Files)...)
			if len(prefixes) == 0 {
				prefixes = []string{"src/"}
			}
			return Constraint{
				Intent: IntentImportResolve, MaxFiles: 8, MaxTotalDiffBytes: 150_000,
				AllowedPathPrefixes: dedupeSorted(prefixes), Guidance: "Add missing exports or fix paths.",
			}
		case ClusterRuntimeMiddlewareAPI:
			return Constraint{
				Intent: IntentRuntimeBoot, MaxFiles: 6, MaxTotalDiffBytes: 120_000,
				AllowedPathPrefixes: []string{"src/"}, Guidance: "Fix startup only.",
			}
		}
	}

	if p.Reason == ReasonTypecheck {
		var files []string
		for _, c := range p.Clusters {
			if c.Kind == ClusterTypecheckFailure {
				files = append(files, c.Files...)
			}
		}
		if len(files) == 0 {
			files = []string{"src/"}
		}
		return Constraint{
			Intent: IntentTypecheckFix, MaxFiles: 8, MaxTotalDiffBytes: 200_000,
			AllowedPathPrefixes: dedupeSorted(files), Guidance: "Minimal type fixes.",
		}
	}

	return Constraint{
		Intent: IntentRuntimeBoot, MaxFiles: 6, MaxTotalDiffBytes: 120_000,
		AllowedPathPrefixes: []string{"src/"}, Guidance: "Fix startup only.",
	}
}

func parentDirs(files []string) []string {
	var out []string
	for _, f := range files {
		if idx := strings.LastIndex(f, "/"); idx >= 0 {
			out = append(out, f[:idx+1])
		}
	}
	return out
}

// PolicyMode controls whether a policy rule violation blocks, warns, or is
// skipped entirely.
type PolicyMode string

const (
	ModeEnforce PolicyMode = "enforce"
	ModeWarn    PolicyMode = "warn"
	ModeOff     PolicyMode = "off"
)

// PolicyViolation is one correction-policy rule outcome.
type PolicyViolation struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"` // "blocking" | "warning"
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
}

// AttemptContext is the input to policy evaluation for one corrective
// attempt.
type AttemptContext struct {
	StepID            string
	Attempt           int
	StagedPaths       []string
	AllowedPrefixes   []string
	Phase             string
	PriorProfileBytes []byte // canonical JSON of the previous attempt's Profile, or nil for the first attempt
	Profile           Profile
}

// EvaluatePolicy runs the four named correction policy rules against attempt
// and returns any violations. policyMode governs rules 1-3;
// convergenceMode governs rule 4 independently, per §4.7.
func EvaluatePolicy(attempt AttemptContext, policyMode, convergenceMode PolicyMode) ([]PolicyViolation, error) {
	var violations []PolicyViolation

	if policyMode != ModeOff {
		if suffix := "-" + strconv.Itoa(attempt.Attempt); !strings.HasSuffix(attempt.StepID, suffix) {
			violations = append(violations, PolicyViolation{
				RuleID: "correction_attempt_suffix_match", Severity: severityFor(policyMode),
				Message: "step id does not end in -" + strconv.Itoa(attempt.Attempt),
			})
		}
		if !allPathsAllowed(attempt.StagedPaths, attempt.AllowedPrefixes) {
			violations = append(violations, PolicyViolation{
				RuleID: "correction_constraint_respected", Severity: severityFor(policyMode),
				Message: "one or more staged paths fall outside the allowed prefixes",
			})
		}
		if attempt.Phase != "goal" && attempt.Phase != "optimization" {
			violations = append(violations, PolicyViolation{
				RuleID: "correction_phase_valid", Severity: severityFor(policyMode),
				Message: "phase " + attempt.Phase + " is not goal or optimization",
			})
		}
	}

	if convergenceMode != ModeOff && attempt.PriorProfileBytes != nil {
		current, err := json.Marshal(attempt.Profile)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(current, attempt.PriorProfileBytes) {
			violations = append(violations, PolicyViolation{
				RuleID: "correction_convergence", Severity: severityFor(convergenceMode),
				Message: "classifier output is unchanged from the prior corrective attempt",
			})
		}
	}

	for _, v := range violations {
		if v.Severity == "blocking" && v.RuleID == "correction_convergence" {
			return violations, kernelerr.New(kernelerr.ConvergenceStalled, "%s", v.Message)
		}
	}
	return violations, nil
}

func severityFor(mode PolicyMode) string {
	if mode == ModeEnforce {
		return "blocking"
	}
	return "warning"
}

func allPathsAllowed(paths, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range paths {
		ok := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
