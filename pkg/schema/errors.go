package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"

	// Plan assembly.
	ErrCodeUnresolvedDependency = "UNRESOLVED_DEPENDENCY"
	ErrCodeDuplicateNode        = "DUPLICATE_NODE"
	ErrCodeDuplicateDependency  = "DUPLICATE_DEPENDENCY"
	ErrCodeConflictingStart     = "CONFLICTING_STARTING_NODE"
	ErrCodeNoStartingNode       = "NO_STARTING_NODE"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeCreatorFailed        = "CREATOR_FAILED"
	ErrCodeDepthExceeded        = "DEPTH_EXCEEDED"
	ErrCodeAssemblyTimeout      = "ASSEMBLY_TIMEOUT"
	ErrCodeInvalidPlan          = "INVALID_PLAN"

	// Node execution.
	ErrCodeStepFailed   = "STEP_FAILED"
	ErrCodeFramework    = "FRAMEWORK_ERROR"
	ErrCodeTaskFailed   = "TASK_FAILED"
	ErrCodeUnknown      = "UNKNOWN_ERROR"
	ErrCodeStepNotFound = "STEP_NOT_FOUND"
)

// Level is the severity attached to a failure datum.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarning Level = "WARNING"
)

// FailureType classifies a failure for aggregation and reporting.
type FailureType string

const (
	FailureApplication   FailureType = "APPLICATION_FAILURE"
	FailureTimeout       FailureType = "TIMEOUT_FAILURE"
	FailureConnectivity  FailureType = "CONNECTIVITY_FAILURE"
	FailureConfiguration FailureType = "CONFIGURATION_FAILURE"
	FailureUnknown       FailureType = "UNKNOWN_FAILURE"
)

// StageError is the structured error type used across assembly and execution.
type StageError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Level        Level          `json:"level,omitempty"`
	FailureTypes []FailureType  `json:"failure_types,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	NodeID       string         `json:"node_id,omitempty"`
	Cause        error          `json:"-"`
}

func (e *StageError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StageError.
func NewError(code, message string) *StageError {
	return &StageError{Code: code, Message: message}
}

// NewErrorf creates a new StageError with a formatted message.
func NewErrorf(code, format string, args ...any) *StageError {
	return &StageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *StageError) WithNode(nodeID string) *StageError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *StageError) WithCause(err error) *StageError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StageError) WithDetails(details map[string]any) *StageError {
	e.Details = details
	return e
}

// WithLevel sets the severity reported when the error is translated into failure data.
func (e *StageError) WithLevel(level Level) *StageError {
	e.Level = level
	return e
}

// WithFailureTypes sets the failure classification.
func (e *StageError) WithFailureTypes(types ...FailureType) *StageError {
	e.FailureTypes = types
	return e
}

// AsStageError returns the first StageError in err's chain.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HasCode reports whether any StageError in err's chain carries code.
func HasCode(err error, code string) bool {
	se, ok := AsStageError(err)
	for ok {
		if se.Code == code {
			return true
		}
		se, ok = AsStageError(se.Cause)
	}
	return false
}

// UnitProgress records how far one unit of a delegated task got before it stopped.
type UnitProgress struct {
	Unit   string   `json:"unit"`
	Status Status   `json:"status"`
	Logs   []string `json:"logs,omitempty"`
}

// TaskExecutionError is raised when delegated task execution fails. It keeps the
// per-unit progress reported so far.
type TaskExecutionError struct {
	Message      string
	UnitProgress []UnitProgress
	Cause        error
}

func (e *TaskExecutionError) Error() string {
	return "task execution failed: " + e.Message
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Cause
}
