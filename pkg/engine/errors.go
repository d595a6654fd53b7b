package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassConnectivity indicates the store could not be reached or failed
	// an operation. Fatal: the run moves to Failed.
	ErrorClassConnectivity ErrorClass = "connectivity"

	// ErrorClassValidation indicates an invalid quota table or option set.
	// Raised before any sampling begins.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassShortfall indicates a partition holds fewer eligible records than
	// requested. Recoverable: all available records are assigned.
	ErrorClassShortfall ErrorClass = "shortfall"

	// ErrorClassConflict indicates a claim lost a race to a concurrent writer.
	// Recoverable: a replacement is drawn from the reserve pool.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInconsistency indicates verification found drift between the
	// store and the quota table, or between a derived field and its source.
	ErrorClassInconsistency ErrorClass = "inconsistency"

	// ErrorClassLocked indicates another run holds the run lock for the same
	// collection and label field.
	ErrorClassLocked ErrorClass = "locked"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Partition is the canonical partition key the error relates to, if any.
	Partition string `json:"partition,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Partition != "" && e.Operation != "":
		msg += fmt.Sprintf(" (partition=%s, operation=%s)", e.Partition, e.Operation)
	case e.Partition != "":
		msg += fmt.Sprintf(" (partition=%s)", e.Partition)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConnectivityError creates a new connectivity error.
func NewConnectivityError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConnectivity, Code: ErrCodeStore, Message: message, Err: err}
}

// NewValidationError creates a new quota validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewShortfallError creates a new partition shortfall error.
func NewShortfallError(message string) *EngineError {
	return &EngineError{Class: ErrorClassShortfall, Code: ErrCodeShortfall, Message: message}
}

// NewConflictError creates a new write conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewInconsistencyError creates a new inconsistency error.
func NewInconsistencyError(message string) *EngineError {
	return &EngineError{Class: ErrorClassInconsistency, Code: ErrCodeInconsistent, Message: message}
}

// NewLockedError creates a new run lock error.
func NewLockedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassLocked, Code: ErrCodeLocked, Message: message, Err: err}
}

// WithPartition adds partition context to an error.
func (e *EngineError) WithPartition(partition string) *EngineError {
	e.Partition = partition
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// ClassOf returns the class of err, or "" when err is not an *EngineError.
func ClassOf(err error) ErrorClass {
	c, _ := classOf(err)
	return c
}

// IsConnectivity returns true if the error is classified as connectivity.
func IsConnectivity(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConnectivity
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassValidation
}

// IsShortfall returns true if the error is classified as shortfall.
func IsShortfall(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassShortfall
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsInconsistency returns true if the error is classified as inconsistency.
func IsInconsistency(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInconsistency
}

// IsLocked returns true if the error is classified as locked.
func IsLocked(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassLocked
}

// IsRecoverable returns true if the run continues past the error.
func IsRecoverable(err error) bool {
	return IsShortfall(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation   = "QUOTA_VALIDATION"
	ErrCodeStore        = "STORE_ERROR"
	ErrCodeShortfall    = "PARTITION_SHORTFALL"
	ErrCodeConflict     = "WRITE_CONFLICT"
	ErrCodeInconsistent = "INCONSISTENT"
	ErrCodeDerived      = "DERIVED_FIELD_INCONSISTENCY"
	ErrCodeLocked       = "RUN_LOCKED"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodePolicy       = "POLICY_DENIED"
)
