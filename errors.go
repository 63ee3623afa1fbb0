package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rohithsiddi/invoice-processing-agent/retry"
)

// Error kind constants used in ErrorInfo and audit details
const (
	ErrorKindMissingField          = "missing_field"
	ErrorKindValidation            = "validation"
	ErrorKindMatching              = "matching"
	ErrorKindExternalSystem        = "external_system"
	ErrorKindCheckpointPersistence = "checkpoint_persistence"
	ErrorKindRouting               = "routing"
	ErrorKindCheckpointNotReady    = "checkpoint_not_ready"
	ErrorKindTimeout               = "timeout"

	// ErrorKindStageFailed is the kind given to errors with no classification.
	// Unknown errors are treated as recoverable so that a run ends in a
	// FAILED state with error_info instead of a propagated error.
	ErrorKindStageFailed = "stage_failed"
)

// Store sentinel errors
var (
	ErrCheckpointNotFound       = errors.New("checkpoint not found")
	ErrRunNotFound              = errors.New("run not found")
	ErrPendingCheckpointExists  = errors.New("a pending checkpoint already exists for this record")
	ErrCheckpointStatusConflict = errors.New("checkpoint status changed concurrently")

	// ErrCheckpointAlreadyProcessed is returned when a decision is submitted
	// for a checkpoint that is no longer pending.
	ErrCheckpointAlreadyProcessed = errors.New("checkpoint already processed")

	// ErrInvalidDecision is returned for decisions other than ACCEPT or REJECT.
	ErrInvalidDecision = errors.New("decision must be ACCEPT or REJECT")

	// ErrRecordIDChanged is returned when a stage rewrites an assigned
	// record id.
	ErrRecordIDChanged = errors.New("record id cannot change once assigned")
)

// MissingFieldError reports every required record field that is absent or
// null. It is never recoverable at the stage that raised it.
type MissingFieldError struct {
	Stage  string
	Fields []string
}

func (e *MissingFieldError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s: missing required fields: %s", e.Stage, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldError) IsRecoverable() bool { return false }

// ValidationError is a business rule violation.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Violations, "; "))
}

func (e *ValidationError) IsRecoverable() bool { return true }

// MatchingError is raised when a match cannot be computed at all.
type MatchingError struct {
	Reason string
	Err    error
}

func (e *MatchingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matching failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("matching failed: %s", e.Reason)
}

func (e *MatchingError) Unwrap() error { return e.Err }

func (e *MatchingError) IsRecoverable() bool { return true }

// ExternalSystemError wraps a failed collaborator call. Fatal marks errors
// on posting-critical paths that must propagate once retries are exhausted.
type ExternalSystemError struct {
	System string
	Op     string
	Err    error
	Fatal  bool
}

func (e *ExternalSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.System, e.Op, e.Err)
}

func (e *ExternalSystemError) Unwrap() error { return e.Err }

func (e *ExternalSystemError) IsRecoverable() bool { return !e.Fatal }

// NewExternalSystemError wraps err as a recoverable collaborator failure.
func NewExternalSystemError(system, op string, err error) *ExternalSystemError {
	return &ExternalSystemError{System: system, Op: op, Err: err}
}

// CheckpointPersistenceError aborts a pause whose checkpoint could not be
// stored.
type CheckpointPersistenceError struct {
	RecordID string
	Err      error
}

func (e *CheckpointPersistenceError) Error() string {
	return fmt.Sprintf("persist checkpoint for record %s: %v", e.RecordID, e.Err)
}

func (e *CheckpointPersistenceError) Unwrap() error { return e.Err }

func (e *CheckpointPersistenceError) IsRecoverable() bool { return false }

// RoutingError is a graph configuration error or an unmapped router value.
type RoutingError struct {
	Stage  string
	Value  string
	Reason string
}

func (e *RoutingError) Error() string {
	switch {
	case e.Value != "":
		return fmt.Sprintf("routing error at %s: value %q: %s", e.Stage, e.Value, e.Reason)
	case e.Stage != "":
		return fmt.Sprintf("routing error at %s: %s", e.Stage, e.Reason)
	default:
		return fmt.Sprintf("routing error: %s", e.Reason)
	}
}

func (e *RoutingError) IsRecoverable() bool { return false }

// CheckpointNotReadyError is returned when resume is attempted on a
// checkpoint that has not been reviewed.
type CheckpointNotReadyError struct {
	CheckpointID string
	Status       CheckpointStatus
}

func (e *CheckpointNotReadyError) Error() string {
	return fmt.Sprintf("checkpoint %s is not ready to resume (status %s)", e.CheckpointID, e.Status)
}

func (e *CheckpointNotReadyError) IsRecoverable() bool { return false }

// IsRecoverable reports whether err should be caught at the stage boundary.
// Errors that do not declare themselves are recoverable unless the context
// was cancelled.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var r retry.RecoverableError
	if errors.As(err, &r) {
		return r.IsRecoverable()
	}
	return !errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a failed stage attempt may be repeated. Only
// declared recoverable errors and transient failures recognized by the retry
// package qualify. Business rule violations are never repeated.
func IsRetryable(err error) bool {
	var invalid *ValidationError
	if errors.As(err, &invalid) {
		return false
	}
	return retry.IsRecoverable(err)
}

// ClassifyError converts an error into the descriptor stored on a record.
func ClassifyError(stage string, err error) *ErrorInfo {
	return &ErrorInfo{
		Stage:       stage,
		Kind:        ErrorKind(err),
		Message:     err.Error(),
		Recoverable: IsRecoverable(err),
		Timestamp:   time.Now().UTC(),
	}
}

// ErrorKind returns the taxonomy name of err.
func ErrorKind(err error) string {
	var (
		missing  *MissingFieldError
		invalid  *ValidationError
		matching *MatchingError
		external *ExternalSystemError
		persist  *CheckpointPersistenceError
		routing  *RoutingError
		notReady *CheckpointNotReadyError
	)
	switch {
	case errors.As(err, &missing):
		return ErrorKindMissingField
	case errors.As(err, &invalid):
		return ErrorKindValidation
	case errors.As(err, &matching):
		return ErrorKindMatching
	case errors.As(err, &external):
		return ErrorKindExternalSystem
	case errors.As(err, &persist):
		return ErrorKindCheckpointPersistence
	case errors.As(err, &routing):
		return ErrorKindRouting
	case errors.As(err, &notReady):
		return ErrorKindCheckpointNotReady
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return ErrorKindTimeout
	default:
		return ErrorKindStageFailed
	}
}
