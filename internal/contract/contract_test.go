package contract

import "testing"

func TestResolveFullProfileDefaults(t *testing.T) {
	cfg, err := Resolve(ProfileFull, Overrides{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.LightValidationMode != Enforce || cfg.MaxRuntimeCorrectionAttempts != 5 {
		t.Fatalf("unexpected full defaults: %+v", cfg)
	}
}

func TestResolveCIProfileDefaults(t *testing.T) {
	cfg, err := Resolve(ProfileCI, Overrides{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.LightValidationMode != Off || cfg.MaxRuntimeCorrectionAttempts != 0 {
		t.Fatalf("unexpected ci defaults: %+v", cfg)
	}
	if cfg.CorrectionPolicyMode != Warn {
		t.Fatalf("ci correctionPolicyMode = %q, want warn", cfg.CorrectionPolicyMode)
	}
}

func TestOverrideLayersOntoProfileDefault(t *testing.T) {
	timeout := 9000
	cfg, err := Resolve(ProfileCI, Overrides{PlannerTimeoutMs: &timeout})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.PlannerTimeoutMs != 9000 {
		t.Fatalf("plannerTimeoutMs = %d, want 9000", cfg.PlannerTimeoutMs)
	}
	if cfg.MaxFilesPerStep != 15 {
		t.Fatalf("unrelated field maxFilesPerStep should remain the ci default, got %d", cfg.MaxFilesPerStep)
	}
}

func TestResolveRejectsOutOfRangeOverride(t *testing.T) {
	attempts := 99
	if _, err := Resolve(ProfileFull, Overrides{MaxRuntimeCorrectionAttempts: &attempts}); err == nil {
		t.Fatalf("expected out-of-range maxRuntimeCorrectionAttempts to be rejected")
	}
}

func TestMaterialHashIsDeterministic(t *testing.T) {
	m := CurrentMaterial("seed-1")
	h1, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
}

func TestMaterialHashChangesWithSeed(t *testing.T) {
	h1, _ := CurrentMaterial("seed-1").Hash()
	h2, _ := CurrentMaterial("seed-2").Hash()
	if h1 == h2 {
		t.Fatalf("expected different seeds to produce different hashes")
	}
}

func TestUnsupportedMaterial(t *testing.T) {
	future := CurrentMaterial("seed-1")
	future.PlannerPolicyVersion = PlannerPolicyVersion + 1
	if !future.Unsupported() {
		t.Fatalf("expected future policy version to be Unsupported")
	}
	if CurrentMaterial("seed-1").Unsupported() {
		t.Fatalf("current material should not be Unsupported")
	}
}

func TestCheckDriftNoDiff(t *testing.T) {
	cfg, _ := Resolve(ProfileFull, Overrides{})
	if err := CheckDrift(cfg, cfg, false, false); err != nil {
		t.Fatalf("identical configs should not drift: %v", err)
	}
}

func TestCheckDriftRejectsWithoutForkOrOverride(t *testing.T) {
	persisted, _ := Resolve(ProfileFull, Overrides{})
	requested, _ := Resolve(ProfileCI, Overrides{})
	if err := CheckDrift(persisted, requested, false, false); err == nil {
		t.Fatalf("expected drifted config to be rejected")
	}
}

func TestCheckDriftAllowedWithFork(t *testing.T) {
	persisted, _ := Resolve(ProfileFull, Overrides{})
	requested, _ := Resolve(ProfileCI, Overrides{})
	if err := CheckDrift(persisted, requested, true, false); err != nil {
		t.Fatalf("fork should bypass drift check: %v", err)
	}
}

func TestDiffReportsEveryMismatchedField(t *testing.T) {
	persisted, _ := Resolve(ProfileFull, Overrides{})
	requested, _ := Resolve(ProfileCI, Overrides{})
	diffs := Diff(persisted, requested)
	if len(diffs) == 0 {
		t.Fatalf("expected diffs between full and ci profiles")
	}
}
