// Package contract implements the Execution Contract: profile defaults with
// layered per-field overrides, canonical-JSON hashing of the contract
// material, and drift detection between a persisted and a requested
// configuration.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
)

// Mode is a three-way validation/correction enforcement level.
type Mode string

const (
	Off     Mode = "off"
	Warn    Mode = "warn"
	Enforce Mode = "enforce"
)

// Profile names the three execution profiles SPEC_FULL.md §4.3 defines
// defaults for.
type Profile string

const (
	ProfileFull  Profile = "full"
	ProfileCI    Profile = "ci"
	ProfileSmoke Profile = "smoke"
)

// Config is the effective per-run configuration. Overrides layer onto a
// profile's defaults field by field.
type Config struct {
	LightValidationMode          Mode `json:"lightValidationMode"`
	HeavyValidationMode          Mode `json:"heavyValidationMode"`
	MaxRuntimeCorrectionAttempts int  `json:"maxRuntimeCorrectionAttempts"`
	MaxHeavyCorrectionAttempts   int  `json:"maxHeavyCorrectionAttempts"`
	CorrectionPolicyMode         Mode `json:"correctionPolicyMode"`
	CorrectionConvergenceMode    Mode `json:"correctionConvergenceMode"`
	PlannerTimeoutMs             int  `json:"plannerTimeoutMs"`
	MaxFilesPerStep              int  `json:"maxFilesPerStep"`
	MaxTotalDiffBytes            int  `json:"maxTotalDiffBytes"`
	MaxFileBytes                 int  `json:"maxFileBytes"`
	AllowEnvMutation             bool `json:"allowEnvMutation"`
}

// Overrides carries optional per-field overrides; nil pointer fields mean
// "inherit the profile default."
type Overrides struct {
	LightValidationMode          *Mode
	HeavyValidationMode          *Mode
	MaxRuntimeCorrectionAttempts *int
	MaxHeavyCorrectionAttempts   *int
	CorrectionPolicyMode         *Mode
	CorrectionConvergenceMode    *Mode
	PlannerTimeoutMs             *int
	MaxFilesPerStep              *int
	MaxTotalDiffBytes            *int
	MaxFileBytes                 *int
	AllowEnvMutation             *bool
}

func defaultsFor(profile Profile) Config {
	switch profile {
	case ProfileCI:
		return Config{
			LightValidationMode: Off, HeavyValidationMode: Off,
			MaxRuntimeCorrectionAttempts: 0, MaxHeavyCorrectionAttempts: 0,
			CorrectionPolicyMode: Warn, CorrectionConvergenceMode: Warn,
			PlannerTimeoutMs: 5000,
			MaxFilesPerStep:  15, MaxTotalDiffBytes: 400_000, MaxFileBytes: 1_500_000,
			AllowEnvMutation: false,
		}
	case ProfileSmoke:
		return Config{
			LightValidationMode: Off, HeavyValidationMode: Off,
			MaxRuntimeCorrectionAttempts: 0, MaxHeavyCorrectionAttempts: 0,
			CorrectionPolicyMode: Warn, CorrectionConvergenceMode: Warn,
			PlannerTimeoutMs: 5000,
			MaxFilesPerStep:  15, MaxTotalDiffBytes: 400_000, MaxFileBytes: 1_500_000,
			AllowEnvMutation: false,
		}
	default: // ProfileFull
		return Config{
			LightValidationMode: Enforce, HeavyValidationMode: Enforce,
			MaxRuntimeCorrectionAttempts: 5, MaxHeavyCorrectionAttempts: 3,
			CorrectionPolicyMode: Enforce, CorrectionConvergenceMode: Enforce,
			PlannerTimeoutMs: 120_000,
			MaxFilesPerStep:  15, MaxTotalDiffBytes: 400_000, MaxFileBytes: 1_500_000,
			AllowEnvMutation: false,
		}
	}
}

// Resolve computes the effective Config for profile with overrides layered
// on top, following the teacher's defaults → global overrides → job
// overrides idiom generalized to a single override layer over a named
// profile's defaults.
func Resolve(profile Profile, overrides Overrides) (Config, error) {
	cfg := defaultsFor(profile)
	if err := applyOverrides(&cfg, overrides); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, o Overrides) error {
	if o.LightValidationMode != nil {
		cfg.LightValidationMode = *o.LightValidationMode
	}
	if o.HeavyValidationMode != nil {
		cfg.HeavyValidationMode = *o.HeavyValidationMode
	}
	if o.MaxRuntimeCorrectionAttempts != nil {
		cfg.MaxRuntimeCorrectionAttempts = *o.MaxRuntimeCorrectionAttempts
	}
	if o.MaxHeavyCorrectionAttempts != nil {
		cfg.MaxHeavyCorrectionAttempts = *o.MaxHeavyCorrectionAttempts
	}
	if o.CorrectionPolicyMode != nil {
		cfg.CorrectionPolicyMode = *o.CorrectionPolicyMode
	}
	if o.CorrectionConvergenceMode != nil {
		cfg.CorrectionConvergenceMode = *o.CorrectionConvergenceMode
	}
	if o.PlannerTimeoutMs != nil {
		cfg.PlannerTimeoutMs = *o.PlannerTimeoutMs
	}
	if o.MaxFilesPerStep != nil {
		cfg.MaxFilesPerStep = *o.MaxFilesPerStep
	}
	if o.MaxTotalDiffBytes != nil {
		cfg.MaxTotalDiffBytes = *o.MaxTotalDiffBytes
	}
	if o.MaxFileBytes != nil {
		cfg.MaxFileBytes = *o.MaxFileBytes
	}
	if o.AllowEnvMutation != nil {
		cfg.AllowEnvMutation = *o.AllowEnvMutation
	}
	return nil
}

func validMode(m Mode) bool {
	return m == Off || m == Warn || m == Enforce
}

func validate(cfg Config) error {
	if !validMode(cfg.LightValidationMode) || !validMode(cfg.HeavyValidationMode) ||
		!validMode(cfg.CorrectionPolicyMode) || !validMode(cfg.CorrectionConvergenceMode) {
		return kernelerr.New(kernelerr.ExecutionConfigMismatch, "execution config contains an invalid mode")
	}
	if cfg.MaxRuntimeCorrectionAttempts < 0 || cfg.MaxRuntimeCorrectionAttempts > 5 {
		return kernelerr.New(kernelerr.ExecutionConfigMismatch, "maxRuntimeCorrectionAttempts must be in [0,5]")
	}
	if cfg.MaxHeavyCorrectionAttempts < 0 || cfg.MaxHeavyCorrectionAttempts > 3 {
		return kernelerr.New(kernelerr.ExecutionConfigMismatch, "maxHeavyCorrectionAttempts must be in [0,3]")
	}
	if cfg.PlannerTimeoutMs < 1000 {
		return kernelerr.New(kernelerr.ExecutionConfigMismatch, "plannerTimeoutMs must be >= 1000")
	}
	if cfg.MaxFilesPerStep < 1 || cfg.MaxTotalDiffBytes < 1 || cfg.MaxFileBytes < 1 {
		return kernelerr.New(kernelerr.ExecutionConfigMismatch, "step budget fields must be >= 1")
	}
	return nil
}

// CurrentSchemaVersions are compile-time policy version constants. Bumping
// any of these is a breaking change to persisted run contracts.
const (
	SchemaVersion            = 1
	DeterminismPolicyVersion = 1
	PlannerPolicyVersion     = 1
	CorrectionRecipeVersion  = 1
	ValidationPolicyVersion  = 1
)

// Material is the hashed contract payload (§3 "Execution Contract Material").
type Material struct {
	ExecutionContractSchemaVersion int    `json:"executionContractSchemaVersion"`
	DeterminismPolicyVersion       int    `json:"determinismPolicyVersion"`
	PlannerPolicyVersion           int    `json:"plannerPolicyVersion"`
	CorrectionRecipeVersion        int    `json:"correctionRecipeVersion"`
	ValidationPolicyVersion        int    `json:"validationPolicyVersion"`
	RandomnessSeed                 string `json:"randomnessSeed"`
}

// CurrentMaterial builds the Material for the engine's current policy
// versions with the given seed.
func CurrentMaterial(randomnessSeed string) Material {
	return Material{
		ExecutionContractSchemaVersion: SchemaVersion,
		DeterminismPolicyVersion:       DeterminismPolicyVersion,
		PlannerPolicyVersion:           PlannerPolicyVersion,
		CorrectionRecipeVersion:        CorrectionRecipeVersion,
		ValidationPolicyVersion:        ValidationPolicyVersion,
		RandomnessSeed:                 randomnessSeed,
	}
}

// Unsupported reports whether m names a policy version newer than this
// engine build supports — governance must surface this as UNSUPPORTED_CONTRACT
// rather than silently downgrading.
func (m Material) Unsupported() bool {
	return m.ExecutionContractSchemaVersion > SchemaVersion ||
		m.DeterminismPolicyVersion > DeterminismPolicyVersion ||
		m.PlannerPolicyVersion > PlannerPolicyVersion ||
		m.CorrectionRecipeVersion > CorrectionRecipeVersion ||
		m.ValidationPolicyVersion > ValidationPolicyVersion
}

// Hash returns the SHA-256 hex digest of m's canonical JSON encoding: field
// order fixed by the struct tags above, no insignificant whitespace.
func (m Material) Hash() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal execution contract material: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// FieldDiff is one mismatched field between a persisted and requested config.
type FieldDiff struct {
	Field     string `json:"field"`
	Persisted any    `json:"persisted"`
	Requested any    `json:"requested"`
}

// Diff compares persisted against requested field by field, returning every
// mismatch. An empty result means the configurations are equivalent.
func Diff(persisted, requested Config) []FieldDiff {
	var diffs []FieldDiff
	add := func(field string, a, b any) {
		if a != b {
			diffs = append(diffs, FieldDiff{Field: field, Persisted: a, Requested: b})
		}
	}
	add("lightValidationMode", persisted.LightValidationMode, requested.LightValidationMode)
	add("heavyValidationMode", persisted.HeavyValidationMode, requested.HeavyValidationMode)
	add("maxRuntimeCorrectionAttempts", persisted.MaxRuntimeCorrectionAttempts, requested.MaxRuntimeCorrectionAttempts)
	add("maxHeavyCorrectionAttempts", persisted.MaxHeavyCorrectionAttempts, requested.MaxHeavyCorrectionAttempts)
	add("correctionPolicyMode", persisted.CorrectionPolicyMode, requested.CorrectionPolicyMode)
	add("correctionConvergenceMode", persisted.CorrectionConvergenceMode, requested.CorrectionConvergenceMode)
	add("plannerTimeoutMs", persisted.PlannerTimeoutMs, requested.PlannerTimeoutMs)
	add("maxFilesPerStep", persisted.MaxFilesPerStep, requested.MaxFilesPerStep)
	add("maxTotalDiffBytes", persisted.MaxTotalDiffBytes, requested.MaxTotalDiffBytes)
	add("maxFileBytes", persisted.MaxFileBytes, requested.MaxFileBytes)
	add("allowEnvMutation", persisted.AllowEnvMutation, requested.AllowEnvMutation)
	return diffs
}

// CheckDrift enforces §4.3's resume/fork drift rule: a resume request with a
// different effective configuration fails with ExecutionConfigMismatch
// unless the caller has set fork or overrideExecutionConfig.
func CheckDrift(persisted, requested Config, fork, overrideExecutionConfig bool) error {
	diffs := Diff(persisted, requested)
	if len(diffs) == 0 {
		return nil
	}
	if fork || overrideExecutionConfig {
		return nil
	}
	return kernelerr.New(kernelerr.ExecutionConfigMismatch, "requested execution config differs from the persisted contract in %d field(s)", len(diffs)).WithDetails(diffs)
}
