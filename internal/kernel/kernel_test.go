package kernel_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/andrewbusc/legatorkernel/internal/contract"
	"github.com/andrewbusc/legatorkernel/internal/governance"
	"github.com/andrewbusc/legatorkernel/internal/kernel"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/planner"
	"github.com/andrewbusc/legatorkernel/internal/runqueue"
	"github.com/andrewbusc/legatorkernel/internal/validation"
	"github.com/andrewbusc/legatorkernel/internal/workspace"
)

// fakePlanner is a scripted planner.Planner test double: each call to Plan
// or PlanCorrection pops the next entry off its queue, so a spec can arrange
// an initial plan plus however many corrective re-plans the scenario needs.
type fakePlanner struct {
	plans       [][]planner.Step
	corrections [][]planner.Step
	planCalls   int
	corrCalls   int
}

func (f *fakePlanner) Plan(ctx context.Context, req planner.PlanRequest) ([]planner.Step, error) {
	defer func() { f.planCalls++ }()
	if f.planCalls >= len(f.plans) {
		return nil, nil
	}
	return f.plans[f.planCalls], nil
}

func (f *fakePlanner) PlanCorrection(ctx context.Context, req planner.CorrectionRequest) ([]planner.Step, error) {
	defer func() { f.corrCalls++ }()
	if f.corrCalls >= len(f.corrections) {
		return nil, nil
	}
	return f.corrections[f.corrCalls], nil
}

func passingPipeline() *validation.Pipeline {
	return validation.NewPipeline(validation.CheckFunc{
		Name: "architecture",
		Fn: func(ctx context.Context, ws *workspace.Workspace, branch string) validation.CheckResult {
			return validation.CheckResult{ID: "architecture", Status: validation.Pass}
		},
	})
}

func failingPipeline() *validation.Pipeline {
	return validation.NewPipeline(validation.CheckFunc{
		Name: "build",
		Fn: func(ctx context.Context, ws *workspace.Workspace, branch string) validation.CheckResult {
			return validation.CheckResult{
				ID: "build", Status: validation.Fail, Severity: validation.SeverityError,
				Message: "compile error",
			}
		},
	})
}

// writeStep builds a planner.Step that stages a single file create.
func writeStep(id, path, content string) planner.Step {
	return planner.Step{
		ID: id, Type: kernelstore.StepModify, Tool: "fs_write", Mutates: true,
		Input: map[string]any{
			"changes": []map[string]any{
				{"path": path, "type": "create", "content": content},
			},
		},
	}
}

// testHarness bundles a fresh Store, Workspace, Queue, and Kernel wired
// together the way a real deployment's composition root would.
type testHarness struct {
	store   *kernelstore.Store
	ws      *workspace.Workspace
	queue   *runqueue.Queue
	pipe    *validation.Pipeline
	planner *fakePlanner
	k       *kernel.Kernel
	proj    *kernelstore.Project
}

func newHarness(dir string, pipe *validation.Pipeline, pl *fakePlanner) *testHarness {
	store, err := kernelstore.Open("sqlite", filepath.Join(dir, "kernel.db"))
	Expect(err).NotTo(HaveOccurred())

	ws, err := workspace.New("proj-1", filepath.Join(dir, "workspace"))
	Expect(err).NotTo(HaveOccurred())

	proj, err := store.CreateProject(kernelstore.Project{ID: "proj-1", OrgID: "org-1", WorkspaceID: "ws-1", Name: "demo"})
	Expect(err).NotTo(HaveOccurred())

	queue := runqueue.New(store, zap.NewNop())
	k := kernel.New(store, func(projectID string) (*workspace.Workspace, error) {
		return ws, nil
	}, queue, pipe, pl, zap.NewNop())

	return &testHarness{store: store, ws: ws, queue: queue, pipe: pipe, planner: pl, k: k, proj: proj}
}

var _ = Describe("Kernel", func() {
	var (
		ctx context.Context
		h   *testHarness
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("QueueRun", func() {
		BeforeEach(func() {
			h = newHarness(GinkgoT().TempDir(), passingPipeline(), &fakePlanner{
				plans: [][]planner.Step{{writeStep("s0", "hello.txt", "hi")}},
			})
		})

		It("admits a run, brands it with a run branch, and enqueues a start job", func() {
			result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{
				ProjectID: h.proj.ID, CreatedBy: "alice", Goal: "write a greeting",
				Profile: contract.ProfileFull,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Run.Status).To(Equal(kernelstore.RunQueued))
			Expect(result.Run.RunBranch).To(HavePrefix("run/"))
			Expect(result.QueuedJob.Kind).To(Equal(kernelstore.JobKindStart))
			Expect(result.ExecutionConfig.Hash).NotTo(BeEmpty())
		})

		It("refuses a second run while one is already active", func() {
			_, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "first", Profile: contract.ProfileFull})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "second", Profile: contract.ProfileFull})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("CancelRun", func() {
		BeforeEach(func() {
			h = newHarness(GinkgoT().TempDir(), passingPipeline(), &fakePlanner{
				plans: [][]planner.Step{{writeStep("s0", "hello.txt", "hi")}},
			})
		})

		It("cancels a still-queued run immediately", func() {
			result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "g", Profile: contract.ProfileFull})
			Expect(err).NotTo(HaveOccurred())

			cancelled, err := h.k.CancelRun(ctx, result.Run.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(kernelstore.RunCancelled))
		})

		It("flags an in-flight run cooperatively instead of cancelling it outright", func() {
			result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "g", Profile: contract.ProfileFull})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.store.TransitionRun(result.Run.ID, []string{kernelstore.RunQueued}, kernelstore.RunRunning, kernelstore.RunPatch{})
			Expect(err).NotTo(HaveOccurred())

			flagged, err := h.k.CancelRun(ctx, result.Run.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(flagged.Status).To(Equal(kernelstore.RunRunning))
			Expect(flagged.CancelRequested).To(BeTrue())
		})
	})

	Describe("Execute", func() {
		Context("when every step applies and validates cleanly", func() {
			BeforeEach(func() {
				h = newHarness(GinkgoT().TempDir(), passingPipeline(), &fakePlanner{
					plans: [][]planner.Step{{
						writeStep("s0", "a.txt", "one"),
						writeStep("s1", "b.txt", "two"),
					}},
				})
			})

			It("drains the run to completion, one commit per step", func() {
				result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "two files", Profile: contract.ProfileFull})
				Expect(err).NotTo(HaveOccurred())

				Expect(h.k.Execute(ctx, result.Run.ID)).To(Succeed())

				withSteps, err := h.k.GetRunWithSteps(ctx, h.proj.ID, result.Run.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(withSteps.Run.Status).To(Equal(kernelstore.RunComplete))
				Expect(withSteps.Steps).To(HaveLen(2))
				for _, st := range withSteps.Steps {
					Expect(st.Status).To(Equal(kernelstore.StepCompleted))
				}
			})

			It("is idempotent across a re-entrant call after the run already completed", func() {
				result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "two files", Profile: contract.ProfileFull})
				Expect(err).NotTo(HaveOccurred())
				Expect(h.k.Execute(ctx, result.Run.ID)).To(Succeed())

				// Calling Execute again on a completed run is a worker-restart
				// scenario; the run is already out of RunQueued so nothing new
				// is re-applied and the call returns cleanly.
				withSteps, err := h.k.GetRunWithSteps(ctx, h.proj.ID, result.Run.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(withSteps.Steps).To(HaveLen(2))
			})
		})

		Context("when a step fails validation and the planner corrects it", func() {
			BeforeEach(func() {
				h = newHarness(GinkgoT().TempDir(), failingPipeline(), &fakePlanner{
					plans: [][]planner.Step{{writeStep("s0", "broken.txt", "boom")}},
					corrections: [][]planner.Step{
						{writeStep("s0-fix", "broken.txt", "fixed")},
					},
				})
			})

			It("fails the run once the correction attempt budget is exhausted", func() {
				// ProfileFull allows 5 runtime correction attempts; the
				// fake planner only has one corrective step queued, so once
				// that's consumed subsequent corrections resolve to a
				// zero-step plan and the run fails outright.
				result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "fix me", Profile: contract.ProfileFull})
				Expect(err).NotTo(HaveOccurred())

				err = h.k.Execute(ctx, result.Run.ID)
				Expect(err).To(HaveOccurred())

				withSteps, err := h.k.GetRunWithSteps(ctx, h.proj.ID, result.Run.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(withSteps.Run.Status).To(Equal(kernelstore.RunFailed))
			})
		})
	})

	Describe("ValidateRunOutput and Decide", func() {
		BeforeEach(func() {
			h = newHarness(GinkgoT().TempDir(), passingPipeline(), &fakePlanner{
				plans: [][]planner.Step{{writeStep("s0", "a.txt", "one")}},
			})
		})

		It("persists a passing validation report and renders a governance PASS", func() {
			result, err := h.k.QueueRun(ctx, kernel.QueueRunInput{ProjectID: h.proj.ID, Goal: "g", Profile: contract.ProfileFull})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.k.Execute(ctx, result.Run.ID)).To(Succeed())

			vr, err := h.k.ValidateRunOutput(ctx, kernel.ValidateRunOutputInput{ProjectID: h.proj.ID, RunID: result.Run.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(vr.Validation.OK).To(BeTrue())
			Expect(vr.Run.ValidationStatus).To(Equal(kernelstore.ValidationPassed))

			decision, err := h.k.Decide(ctx, kernel.DecideInput{ProjectID: h.proj.ID, RunID: result.Run.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Decision).To(Equal(governance.Pass))
		})
	})
})
