// Package kernelerr defines the Agent Kernel's error taxonomy: a single
// error type carrying a closed set of kinds, so callers can branch on
// errors.Is/As instead of string matching.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind identifies one error in the kernel's taxonomy.
type Kind string

const (
	// Caller errors (4xx at the HTTP boundary).
	PathEscape                  Kind = "PathEscape"
	AlreadyExists                Kind = "AlreadyExists"
	NotFound                     Kind = "NotFound"
	StaleOptimisticLock          Kind = "StaleOptimisticLock"
	StepBudgetExceeded           Kind = "StepBudgetExceeded"
	CorrectionConstraintViolation Kind = "CorrectionConstraintViolation"
	ExecutionConfigMismatch      Kind = "ExecutionConfigMismatch"
	BranchLockedByActiveRun      Kind = "BranchLockedByActiveRun"
	RunStillActive               Kind = "RunStillActive"
	DuplicateActiveJob           Kind = "DuplicateActiveJob"
	EmptyCommit                  Kind = "EmptyCommit"

	// Transient infrastructure errors (retryable).
	LeaseLost       Kind = "LeaseLost"
	WorkspaceLocked Kind = "WorkspaceLocked"
	StoreConflict   Kind = "StoreConflict"

	// Fatal errors (5xx).
	PlannerFailed            Kind = "PlannerFailed"
	ValidationPipelineCrashed Kind = "ValidationPipelineCrashed"
	InterruptedStep           Kind = "InterruptedStep"

	// ConvergenceStalled is raised by the correction policy, not a caller
	// input error, but shares the same error shape for propagation.
	ConvergenceStalled Kind = "ConvergenceStalled"
)

// Error is the kernel's single error type. Details carries kind-specific
// structured data (e.g. the diff for ExecutionConfigMismatch).
type Error struct {
	Kind    Kind
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a kernelerr.Error with the same Kind, or
// reports whether target itself equals a bare Kind comparison via errors.Is
// semantics against another *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details (e.g. a diff map) to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Is reports whether err is a kernelerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether kind belongs to the transient-infrastructure
// class and should be released back to the run-job queue rather than
// failing the run outright.
func Retryable(kind Kind) bool {
	switch kind {
	case LeaseLost, WorkspaceLocked, StoreConflict:
		return true
	default:
		return false
	}
}

// Fatal reports whether kind belongs to the 5xx class.
func Fatal(kind Kind) bool {
	switch kind {
	case PlannerFailed, ValidationPipelineCrashed, InterruptedStep:
		return true
	default:
		return false
	}
}
