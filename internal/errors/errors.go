// Package errors provides centralized error definitions and error handling utilities
// for swarm. It defines domain-specific errors for plans, step execution, orchestration,
// git and storage, semantic error types, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures from a specific subsystem:
//   - PlanValidationError: malformed plan, cyclic dependency, unknown agent
//   - ExecutionError: executor crash, timeout, non-zero exit for one step attempt
//   - OrchestratorError: wave/run level coordination failures
//   - GitError: branch, worktree and merge operations
//   - StorageError: run state persistence
//
// Semantic errors represent common conditions:
//   - NotFoundError, ValidationError, TimeoutError
//
// # Usage
//
//	err := errors.NewPlanValidationError("dependency cycle", errors.ErrDependencyCycle).
//		WithStep(3).WithCycle([]int{3, 4, 3})
//
//	var pve *errors.PlanValidationError
//	if errors.As(err, &pve) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Retryable errors are transient (timeouts, executor crashes). Critical errors are fatal to
// the run: with halt-on-fatal configured the orchestrator admits no further waves.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that stop the run from admitting further work.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors
var (
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrDependencyCycle indicates a circular dependency between steps.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownAgent indicates a step names an agent profile that is not registered.
	ErrUnknownAgent = New("unknown agent profile")
	// ErrUnknownStep indicates a reference to a step number not present in the plan.
	ErrUnknownStep = New("unknown step")
)

// Execution-related sentinel errors
var (
	// ErrStepFailed indicates that a step's execution did not complete successfully.
	ErrStepFailed = New("step failed")
	// ErrExecutorUnavailable indicates that the external executor could not be used.
	ErrExecutorUnavailable = New("executor unavailable")
	// ErrCommandDisabled indicates that command execution is disabled by configuration.
	ErrCommandDisabled = New("command execution disabled by configuration")
	// ErrToolNotFound indicates that a required tool is not installed.
	ErrToolNotFound = New("required tool not found")
	// ErrRetriesExhausted indicates that a step used its whole retry budget.
	ErrRetriesExhausted = New("retry budget exhausted")
)

// Orchestration-related sentinel errors
var (
	// ErrRunNotFound indicates that a run could not be found in the state directory.
	ErrRunNotFound = New("run not found")
	// ErrConflictNotFound indicates that a conflict id is unknown to the resolver.
	ErrConflictNotFound = New("conflict not found")
	// ErrReplanImpasse indicates the replanner could not produce a revised plan.
	ErrReplanImpasse = New("no viable plan revision")
	// ErrRunHalted indicates the run stopped admitting waves after a fatal failure.
	ErrRunHalted = New("run halted")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
)

// Storage-related sentinel errors
var (
	// ErrStorageCorrupted indicates persisted run data could not be decoded.
	ErrStorageCorrupted = New("storage corrupted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SwarmError is the interface implemented by every error type in this package.
type SwarmError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) IsRetryable() bool { return e.retryable }

func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// PlanValidationError reports a plan that must not be executed: a malformed step,
// a cyclic dependency, or an agent name that does not resolve.
//
// Example:
//
//	err := errors.NewPlanValidationError("step re-enters its ancestry", errors.ErrDependencyCycle)
//	err = err.WithStep(2).WithCycle([]int{2, 1, 2})
//	fmt.Println(err) // "plan validation error [step=2, cycle=2->1->2]: step re-enters its ancestry: dependency cycle detected"
type PlanValidationError struct {
	baseError
	StepNumber int
	Field      string
	Cycle      []int
	// Problems holds every individual message when several were found at once.
	Problems []string
}

// NewPlanValidationError creates a new PlanValidationError.
func NewPlanValidationError(message string, cause error) *PlanValidationError {
	return &PlanValidationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithStep records the offending step number.
func (e *PlanValidationError) WithStep(n int) *PlanValidationError {
	e.StepNumber = n
	return e
}

// WithField records the offending field.
func (e *PlanValidationError) WithField(field string) *PlanValidationError {
	e.Field = field
	return e
}

// WithCycle records the dependency path that closes the cycle.
func (e *PlanValidationError) WithCycle(cycle []int) *PlanValidationError {
	e.Cycle = append([]int(nil), cycle...)
	return e
}

// WithProblems attaches the full list of validation messages.
func (e *PlanValidationError) WithProblems(problems []string) *PlanValidationError {
	e.Problems = append([]string(nil), problems...)
	return e
}

// Error returns the formatted error message.
func (e *PlanValidationError) Error() string {
	var parts []string
	if e.StepNumber > 0 {
		parts = append(parts, fmt.Sprintf("step=%d", e.StepNumber))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if len(e.Cycle) > 0 {
		nums := make([]string, len(e.Cycle))
		for i, n := range e.Cycle {
			nums[i] = fmt.Sprintf("%d", n)
		}
		parts = append(parts, "cycle="+strings.Join(nums, "->"))
	}
	return e.format("plan validation error", parts)
}

// Is matches any *PlanValidationError and ErrPlanInvalid.
func (e *PlanValidationError) Is(target error) bool {
	if _, ok := target.(*PlanValidationError); ok {
		return true
	}
	if target == ErrPlanInvalid {
		return true
	}
	return e.baseError.Is(target)
}

// ExecutionError represents a failed attempt to execute one step.
//
// Example:
//
//	err := errors.NewExecutionError("executor exited non-zero", errors.ErrStepFailed)
//	err = err.WithStep(3).WithAttempt(2).WithExitCode(1)
type ExecutionError struct {
	baseError
	StepNumber int
	Attempt    int
	ExitCode   int
}

// NewExecutionError creates a new ExecutionError. Execution errors are retryable
// unless marked otherwise.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithStep adds the step number to the error context.
func (e *ExecutionError) WithStep(n int) *ExecutionError {
	e.StepNumber = n
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *ExecutionError) WithAttempt(a int) *ExecutionError {
	e.Attempt = a
	return e
}

// WithExitCode adds the process exit code to the error context.
func (e *ExecutionError) WithExitCode(code int) *ExecutionError {
	e.ExitCode = code
	return e
}

// WithSeverity sets the error severity.
func (e *ExecutionError) WithSeverity(s Severity) *ExecutionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ExecutionError) WithRetryable(r bool) *ExecutionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	var parts []string
	if e.StepNumber > 0 {
		parts = append(parts, fmt.Sprintf("step=%d", e.StepNumber))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	return e.format("execution error", parts)
}

// Is checks if this error matches the target.
func (e *ExecutionError) Is(target error) bool {
	if _, ok := target.(*ExecutionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// OrchestratorError represents errors in run-level coordination.
type OrchestratorError struct {
	baseError
	RunID string
	Wave  int
	Phase string
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(message string, cause error) *OrchestratorError {
	return &OrchestratorError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Wave: -1,
	}
}

// WithRunID adds the run id to the error context.
func (e *OrchestratorError) WithRunID(id string) *OrchestratorError {
	e.RunID = id
	return e
}

// WithWave adds the wave index to the error context.
func (e *OrchestratorError) WithWave(idx int) *OrchestratorError {
	e.Wave = idx
	return e
}

// WithPhase adds the run phase to the error context.
func (e *OrchestratorError) WithPhase(phase string) *OrchestratorError {
	e.Phase = phase
	return e
}

// Error returns the formatted error message.
func (e *OrchestratorError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Wave >= 0 {
		parts = append(parts, fmt.Sprintf("wave=%d", e.Wave))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return e.format("orchestrator error", parts)
}

// Is checks if this error matches the target.
func (e *OrchestratorError) Is(target error) bool {
	if _, ok := target.(*OrchestratorError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("swarm/abc/step-1").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	msg := e.format("git error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StorageError represents a failure to read or write persisted run state.
// Storage errors are critical: the orchestrator cannot keep an audit trail without them.
type StorageError struct {
	baseError
	Path string
}

// NewStorageError creates a new StorageError.
func NewStorageError(message string, cause error) *StorageError {
	return &StorageError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
	}
}

// WithPath adds the file path to the error context.
func (e *StorageError) WithPath(path string) *StorageError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("storage error", parts)
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "abc123")
//	fmt.Println(err) // "run 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is matches any *ValidationError and ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an external process or wait that exceeded its ceiling.
//
// Example:
//
//	err := errors.NewTimeoutError("gate tests", 10*time.Minute)
//	fmt.Println(err) // "timeout error: gate tests (timeout: 10m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is matches any *TimeoutError and ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var swarmErr SwarmError
	if As(err, &swarmErr) {
		return swarmErr.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var swarmErr SwarmError
	if As(err, &swarmErr) {
		return swarmErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SwarmError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var swarmErr SwarmError
	if As(err, &swarmErr) {
		return swarmErr.Severity()
	}
	return SeverityError
}

// IsFatal reports whether err should stop a run from admitting further waves.
func IsFatal(err error) bool {
	return err != nil && GetSeverity(err) == SeverityCritical
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
