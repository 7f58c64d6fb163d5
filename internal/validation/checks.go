package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/image-spec/specs-go"
	"oras.land/oras-go/v2/content/memory"

	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// ArchitectureCheck enforces the structural/layer conventions a generated
// project is expected to follow: a non-empty tree with a recognizable
// source layout.
type ArchitectureCheck struct{}

func (ArchitectureCheck) ID() string { return "architecture" }

func (ArchitectureCheck) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	paths, err := ws.List(branch, "")
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: fmt.Sprintf("list workspace tree: %v", err)}
	}
	if len(paths) == 0 {
		return CheckResult{
			Status: Fail, Severity: SeverityError,
			Message:    "workspace tree is empty",
			Violations: []Violation{{RuleID: "ARCH.EMPTY_WORKSPACE", Message: "no files committed to this branch"}},
		}
	}

	hasSourceLayout := false
	for _, p := range paths {
		if strings.HasPrefix(p, "src/") || strings.HasPrefix(p, "lib/") || strings.HasPrefix(p, "app/") {
			hasSourceLayout = true
			break
		}
	}
	if !hasSourceLayout {
		return CheckResult{
			Status: Fail, Severity: SeverityWarn,
			Message:    "no conventional source directory (src/, lib/, app/) found",
			Violations: []Violation{{RuleID: "STRUCTURE.MISSING_SRC", Message: "files are not organized under a recognized source root"}},
		}
	}
	return CheckResult{Status: Pass, Message: fmt.Sprintf("%d file(s) under a recognized source layout", len(paths))}
}

// hasManifest reports whether any path in paths matches one of the given
// project-manifest basenames.
func hasManifest(paths []string, names ...string) bool {
	for _, p := range paths {
		base := p
		if idx := strings.LastIndex(p, "/"); idx >= 0 {
			base = p[idx+1:]
		}
		for _, n := range names {
			if base == n {
				return true
			}
		}
	}
	return false
}

// TypecheckCheck confirms a typed project manifest is present. Without an
// in-process language toolchain this cannot run a real type checker; it
// verifies the structural precondition a downstream toolchain would need
// and reports Skip when no typed project is detected.
type TypecheckCheck struct{}

func (TypecheckCheck) ID() string { return "typecheck" }

func (TypecheckCheck) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	paths, err := ws.List(branch, "")
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: fmt.Sprintf("list workspace tree: %v", err)}
	}
	if !hasManifest(paths, "tsconfig.json", "go.mod", "pyproject.toml") {
		return CheckResult{Status: Skip, Message: "no typed project manifest found; typecheck not applicable"}
	}
	return CheckResult{Status: Pass, Message: "typed project manifest present"}
}

// BuildCheck confirms a recognized build manifest is present.
type BuildCheck struct{}

func (BuildCheck) ID() string { return "build" }

func (BuildCheck) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	paths, err := ws.List(branch, "")
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: fmt.Sprintf("list workspace tree: %v", err)}
	}
	if !hasManifest(paths, "package.json", "go.mod", "Cargo.toml", "requirements.txt") {
		return CheckResult{
			Status: Fail, Severity: SeverityWarn,
			Message:    "no recognized build manifest found",
			Violations: []Violation{{RuleID: "STRUCTURE.MISSING_MANIFEST", Message: "project has no package.json/go.mod/Cargo.toml/requirements.txt"}},
		}
	}
	return CheckResult{Status: Pass, Message: "build manifest present"}
}

// TestsCheck confirms the tree contains files matching a conventional test
// naming pattern.
type TestsCheck struct{}

func (TestsCheck) ID() string { return "tests" }

func (TestsCheck) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	paths, err := ws.List(branch, "")
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: fmt.Sprintf("list workspace tree: %v", err)}
	}
	var testFiles []string
	for _, p := range paths {
		if strings.Contains(p, "_test.") || strings.Contains(p, ".test.") || strings.Contains(p, ".spec.") || strings.HasPrefix(p, "test/") || strings.HasPrefix(p, "tests/") {
			testFiles = append(testFiles, p)
		}
	}
	if len(testFiles) == 0 {
		return CheckResult{
			Status: Fail, Severity: SeverityWarn,
			Message:    "no test files found",
			Violations: []Violation{{RuleID: "TEST.CONTRACT_GAP", Message: "no file matched a conventional test naming pattern"}},
		}
	}
	return CheckResult{Status: Pass, Message: fmt.Sprintf("%d test file(s) found", len(testFiles))}
}

// RuntimeBootCheck packages the workspace tree as an OCI image layout in an
// in-memory oras store and inspects the resulting manifest's layers as a
// hermetic stand-in for actually booting the workspace (§4.6).
type RuntimeBootCheck struct{}

func (RuntimeBootCheck) ID() string { return "runtime_boot" }

func (RuntimeBootCheck) Run(ctx context.Context, ws *workspace.Workspace, branch string) CheckResult {
	manifestDesc, store, err := packWorkspaceImage(ctx, ws, branch)
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityWarn, Message: fmt.Sprintf("failed to assemble workspace image: %v", err)}
	}
	rc, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: "assembled manifest is not fetchable from the image store"}
	}
	defer rc.Close()
	var manifest ocispec.Manifest
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return CheckResult{Status: Fail, Severity: SeverityError, Message: "assembled manifest failed to decode"}
	}
	if len(manifest.Layers) == 0 {
		return CheckResult{Status: Fail, Severity: SeverityWarn, Message: "workspace has no files to boot"}
	}
	return CheckResult{Status: Pass, Message: fmt.Sprintf("workspace assembles into a valid OCI image with %d layer(s)", len(manifest.Layers))}
}

func pushBlob(ctx context.Context, store *memory.Store, mediaType string, data []byte) (ocispec.Descriptor, error) {
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
	if err := store.Push(ctx, desc, bytes.NewReader(data)); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// packWorkspaceImage assembles branch's committed files as OCI layers over a
// minimal empty config, pushes everything to an in-memory store, and tags
// the resulting manifest.
func packWorkspaceImage(ctx context.Context, ws *workspace.Workspace, branch string) (ocispec.Descriptor, *memory.Store, error) {
	store := memory.New()
	paths, err := ws.List(branch, "")
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	var layers []ocispec.Descriptor
	for _, p := range paths {
		res, err := ws.Read(branch, p)
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		if !res.Exists {
			continue
		}
		desc, err := pushBlob(ctx, store, "application/vnd.oci.image.layer.v1.tar", res.Content)
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		desc.Annotations = map[string]string{ocispec.AnnotationTitle: p}
		layers = append(layers, desc)
	}

	configDesc, err := pushBlob(ctx, store, ocispec.MediaTypeImageConfig, []byte("{}"))
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	manifestDesc, err := pushBlob(ctx, store, ocispec.MediaTypeImageManifest, manifestBytes)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	if err := store.Tag(ctx, manifestDesc, "workspace-boot-probe"); err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return manifestDesc, store, nil
}
