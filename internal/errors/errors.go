// Package errors provides centralized error definitions and error handling utilities
// for imagebatch. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures of a pipeline stage:
//   - RunError: errors tied to a run and its phase
//   - ChunkError: a request chunk that could not be submitted
//   - RemoteError: a call to the remote batch service failed
//   - IntegrityError: a results file does not match the expected task keys
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewRunError("cannot resume", errors.ErrRunFinished).WithRunID(id)
//
//	if errors.Is(err, errors.ErrRunFinished) { ... }
//
//	var remoteErr *errors.RemoteError
//	if errors.As(err, &remoteErr) && remoteErr.StatusCode == 429 { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
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
	// SeverityCritical is for errors that require immediate attention.
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

// Run-related sentinel errors
var (
	// ErrRunNotFound indicates that no run directory exists for an id.
	ErrRunNotFound = New("run not found")
	// ErrRunLocked indicates that another process is driving the run.
	ErrRunLocked = New("run is locked by another process")
	// ErrRunFinished indicates that the run already reached a terminal phase.
	ErrRunFinished = New("run already finished")
	// ErrInvalidPhase indicates an operation was attempted in the wrong phase.
	ErrInvalidPhase = New("invalid phase for operation")
	// ErrPhaseRegression indicates an attempt to move a run backwards.
	ErrPhaseRegression = New("phase cannot move backwards")
	// ErrStateCorrupted indicates that persisted run state could not be decoded.
	ErrStateCorrupted = New("run state corrupted")
)

// Planning-related sentinel errors
var (
	// ErrEmptyScope indicates a scope with no entity types or no kinds.
	ErrEmptyScope = New("scope selects nothing")
	// ErrNoTasks indicates that there is nothing to submit.
	ErrNoTasks = New("no tasks to submit")
	// ErrPlanNotFound indicates that a run has no persisted plan.
	ErrPlanNotFound = New("plan not found")
)

// Submission and job sentinel errors
var (
	// ErrChunkFailed indicates that one request chunk could not be submitted.
	ErrChunkFailed = New("chunk submission failed")
	// ErrNoJobsCreated indicates that every chunk failed.
	ErrNoJobsCreated = New("no jobs were created")
	// ErrJobNotFound indicates that the run has no job with the given id.
	ErrJobNotFound = New("job not found")
	// ErrFileNotReady indicates that an uploaded file never became usable.
	ErrFileNotReady = New("uploaded file not ready")
	// ErrNoResults indicates a succeeded job that exposes no results.
	ErrNoResults = New("job has no results")
)

// Result-related sentinel errors
var (
	// ErrMalformedRecord indicates a result line that is not a valid record.
	ErrMalformedRecord = New("malformed result record")
	// ErrConsumed indicates a second pass over a forward-only result stream.
	ErrConsumed = New("result stream already consumed")
	// ErrIntegrity indicates that results do not match the submitted tasks.
	ErrIntegrity = New("results integrity check failed")
)

// Remote service sentinel errors
var (
	// ErrRateLimited indicates the remote service throttled the request.
	ErrRateLimited = New("rate limited")
	// ErrUnavailable indicates a transient server-side failure.
	ErrUnavailable = New("service unavailable")
	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = New("unauthorized")
	// ErrBadRequest indicates the remote service rejected the request payload.
	ErrBadRequest = New("bad request")
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

// BatchError is the base interface for all imagebatch errors.
// It extends the standard error interface with classification methods.
type BatchError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
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

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

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

// RunError represents errors tied to a particular run.
//
// Example:
//
//	err := errors.NewRunError("cannot submit", errors.ErrInvalidPhase)
//	err = err.WithRunID("20260101-120000").WithPhase("polling")
//	fmt.Println(err) // "run error [run=20260101-120000, phase=polling]: cannot submit: invalid phase for operation"
type RunError struct {
	baseError
	RunID string
	Phase string
}

// NewRunError creates a new RunError.
func NewRunError(message string, cause error) *RunError {
	return &RunError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *RunError) WithRunID(id string) *RunError {
	e.RunID = id
	return e
}

// WithPhase adds a phase name to the error context.
func (e *RunError) WithPhase(phase string) *RunError {
	e.Phase = phase
	return e
}

// WithSeverity sets the error severity.
func (e *RunError) WithSeverity(s Severity) *RunError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return e.format("run error", parts)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ChunkError records a request chunk that could not be turned into a job.
// ChunkIndex is 1-based and matches the request file's numbering.
type ChunkError struct {
	baseError
	ChunkIndex  int
	RequestFile string
}

// NewChunkError creates a new ChunkError.
func NewChunkError(chunkIndex int, cause error) *ChunkError {
	return &ChunkError{
		baseError: baseError{
			message:    "chunk submission failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  IsRetryable(cause),
			userFacing: true,
		},
		ChunkIndex: chunkIndex,
	}
}

// WithRequestFile adds the staged request file to the error context.
func (e *ChunkError) WithRequestFile(path string) *ChunkError {
	e.RequestFile = path
	return e
}

// Error returns the formatted error message.
func (e *ChunkError) Error() string {
	parts := []string{fmt.Sprintf("chunk=%d", e.ChunkIndex)}
	if e.RequestFile != "" {
		parts = append(parts, fmt.Sprintf("file=%s", e.RequestFile))
	}
	return e.format("submit error", parts)
}

// Is checks if this error matches the target.
func (e *ChunkError) Is(target error) bool {
	if _, ok := target.(*ChunkError); ok {
		return true
	}
	if errors.Is(target, ErrChunkFailed) {
		return true
	}
	return e.baseError.Is(target)
}

// RemoteError represents a failed call to the remote batch service.
//
// Example:
//
//	err := errors.NewRemoteError("create job", errors.ErrRateLimited).WithStatus(429, "RESOURCE_EXHAUSTED")
type RemoteError struct {
	baseError
	Operation  string
	StatusCode int
	Status     string
}

// NewRemoteError creates a new RemoteError. Retryability follows the cause.
func NewRemoteError(operation string, cause error) *RemoteError {
	retryable := Is(cause, ErrRateLimited) || Is(cause, ErrUnavailable) || Is(cause, ErrTimeout)
	return &RemoteError{
		baseError: baseError{
			message:    operation,
			cause:      cause,
			severity:   SeverityError,
			retryable:  retryable,
			userFacing: true,
		},
		Operation: operation,
	}
}

// WithStatus adds the HTTP status code and remote status string.
func (e *RemoteError) WithStatus(code int, status string) *RemoteError {
	e.StatusCode = code
	e.Status = status
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *RemoteError) WithRetryable(r bool) *RemoteError {
	e.retryable = r
	return e
}

// Code returns the failure code used for dead-letter classification.
func (e *RemoteError) Code() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%d", e.StatusCode)
	}
	if e.Status != "" {
		return e.Status
	}
	return "REMOTE_ERROR"
}

// Error returns the formatted error message.
func (e *RemoteError) Error() string {
	var parts []string
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Status))
	}
	return e.format("remote error", parts)
}

// Is checks if this error matches the target.
func (e *RemoteError) Is(target error) bool {
	if _, ok := target.(*RemoteError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// IntegrityError reports a results file whose keys do not match the
// submitted tasks. It is surfaced, never repaired.
type IntegrityError struct {
	baseError
	File      string
	Missing   []string
	Extra     []string
	Malformed int
}

// NewIntegrityError creates a new IntegrityError.
func NewIntegrityError(file string, missing, extra []string, malformed int) *IntegrityError {
	return &IntegrityError{
		baseError: baseError{
			message:    "results do not match submitted tasks",
			cause:      ErrIntegrity,
			severity:   SeverityWarning,
			userFacing: true,
		},
		File:      file,
		Missing:   missing,
		Extra:     extra,
		Malformed: malformed,
	}
}

// Error returns the formatted error message.
func (e *IntegrityError) Error() string {
	parts := []string{
		fmt.Sprintf("missing=%d", len(e.Missing)),
		fmt.Sprintf("extra=%d", len(e.Extra)),
		fmt.Sprintf("malformed=%d", e.Malformed),
	}
	if e.File != "" {
		parts = append([]string{fmt.Sprintf("file=%s", e.File)}, parts...)
	}
	return e.format("integrity error", parts)
}

// Is checks if this error matches the target.
func (e *IntegrityError) Is(target error) bool {
	if _, ok := target.(*IntegrityError); ok {
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
//	err := errors.NewNotFoundError("run", "20260101-120000")
//	fmt.Println(err) // "run '20260101-120000' not found"
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

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("unknown entity type").WithField("entityTypes").WithValue("dragon")
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

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for job batches/abc", time.Hour)
//	fmt.Println(err) // "timeout error: waiting for job batches/abc (timeout: 1h0m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
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

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry: a BatchError reporting itself retryable, or
// anything wrapping ErrTimeout, ErrRateLimited or ErrUnavailable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var batchErr BatchError
	if As(err, &batchErr) {
		return batchErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrRateLimited) || Is(err, ErrUnavailable)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var batchErr BatchError
	if As(err, &batchErr) {
		return batchErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BatchError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var batchErr BatchError
	if As(err, &batchErr) {
		return batchErr.Severity()
	}
	return SeverityError
}

// Code returns a short failure code for err, suitable for dead-letter
// classification. Remote errors yield their HTTP status. The transient
// sentinels map to TIMEOUT, RATE_LIMIT and UNAVAILABLE, which stay
// retryable; everything else yields fallback.
func Code(err error, fallback string) string {
	var remoteErr *RemoteError
	if As(err, &remoteErr) {
		return remoteErr.Code()
	}
	switch {
	case Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case Is(err, ErrRateLimited):
		return "RATE_LIMIT"
	case Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	}
	return fallback
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
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
