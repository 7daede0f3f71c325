package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and abort logic.
type ErrorClass string

const (
	// ErrorClassConnectivity indicates the array or the cluster could not be reached.
	// Fatal for the current intent.
	ErrorClassConnectivity ErrorClass = "connectivity"

	// ErrorClassConfiguration indicates a setting or input resolved to nothing or to
	// more than one object. Raised before any mutation.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransient indicates visibility lag. Only the LUN visibility poll retries it.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassValidation indicates a violated precondition. Raised before any mutation.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassPartial indicates a mutating intent failed after its first mutation.
	ErrorClassPartial ErrorClass = "partial"
)

// EngineError represents a classified error with execution context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the volume or datastore name involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the backend operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Stage is the last stage reached by the intent.
	Stage Stage `json:"stage,omitempty"`

	// State is the last ReconciledState observed before the failure.
	State *ReconciledState `json:"state,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" at stage %s", e.Stage)
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
	return &EngineError{Class: ErrorClassConnectivity, Code: ErrCodeUnreachable, Message: message, Err: err}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConfiguration, Code: ErrCodeConfiguration, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewPartialError creates a new partial-failure error.
func NewPartialError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPartial, Code: ErrCodeBackendFailed, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

// WithStage records the stage the intent had reached.
func (e *EngineError) WithStage(stage Stage) *EngineError {
	e.Stage = stage
	return e
}

// WithState attaches the last observed state.
func (e *EngineError) WithState(state *ReconciledState) *EngineError {
	e.State = state
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError returns the first EngineError in the chain, or nil.
func AsEngineError(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// hasClass walks the whole chain so a partial failure still reports its cause.
func hasClass(err error, class ErrorClass) bool {
	for err != nil {
		if e, ok := err.(*EngineError); ok && e.Class == class {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsConnectivity returns true if the error is classified as connectivity.
func IsConnectivity(err error) bool {
	return hasClass(err, ErrorClassConnectivity)
}

// IsConfiguration returns true if the error is classified as configuration.
func IsConfiguration(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsPartial returns true if the error is classified as partial.
func IsPartial(err error) bool {
	return hasClass(err, ErrorClassPartial)
}

// IsRetryable returns true if the error can be retried.
// Only transient visibility lag is retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeUnreachable     = "UNREACHABLE"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeBackendFailed   = "BACKEND_FAILED"
	ErrCodeAmbiguousGroup  = "AMBIGUOUS_INITIATOR_GROUP"
	ErrCodeGroupNotFound   = "INITIATOR_GROUP_NOT_FOUND"
	ErrCodeNotConsistent   = "NOT_CONSISTENT"
	ErrCodeInUse           = "DATASTORE_IN_USE"
	ErrCodeNotConfirmed    = "NOT_CONFIRMED"
	ErrCodeSizeNotGrowing  = "SIZE_NOT_GROWING"
	ErrCodeCapacityDrift   = "CAPACITY_MISMATCH"
	ErrCodeStillMounted    = "STILL_MOUNTED"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeObjectID        = "OBJECT_ID_AS_NAME"
	ErrCodeNameMismatch    = "DATASTORE_NAME_MISMATCH"
)
