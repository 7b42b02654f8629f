package engine

import (
	"errors"
	"fmt"
)

// ErrorClass is the tier of a process failure.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a precondition is unmet: a required
	// configuration key is absent or the crypto key is unavailable. The
	// operation was not attempted.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassOperational indicates the operation itself failed.
	ErrorClassOperational ErrorClass = "operational"

	// ErrorClassRecoveryExhausted indicates a step failed and its fallback
	// chain failed too.
	ErrorClassRecoveryExhausted ErrorClass = "recovery_exhausted"
)

// EngineError represents a classified process failure.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the failure tier.
	Class ErrorClass `json:"class"`

	// Message is the technical error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// DisplayMessage is the stable user-facing text from the step metadata.
	DisplayMessage string `json:"display_message,omitempty"`

	// Step is the display name of the step that failed.
	Step string `json:"step,omitempty"`

	// Operation is the operation name of the step that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause. For recovery-exhausted errors it is the
	// original step failure.
	Err error `json:"-"`

	// Fallback is the failure of the fallback chain, if any.
	Fallback error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Fallback != nil {
		msg += "; fallback: " + e.Fallback.Error()
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

// NewConfigurationError creates a configuration-missing error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeConfigMissing,
		Err:     err,
	}
}

// NewOperationalError creates an operation-failed error.
func NewOperationalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassOperational,
		Message: message,
		Code:    ErrCodeOperationFailed,
		Err:     err,
	}
}

// NewRecoveryExhaustedError creates a fallback-exhausted error that keeps
// the original step failure as its cause and records the fallback failure.
func NewRecoveryExhaustedError(original, fallback error) *EngineError {
	e := &EngineError{
		Class:    ErrorClassRecoveryExhausted,
		Message:  "fallback chain failed",
		Code:     ErrCodeFallbackExhausted,
		Err:      original,
		Fallback: fallback,
	}
	var orig *EngineError
	if errors.As(original, &orig) {
		e.Step = orig.Step
		e.Operation = orig.Operation
		e.DisplayMessage = orig.DisplayMessage
	}
	return e
}

// WithStep adds the failing step's display name.
func (e *EngineError) WithStep(step string) *EngineError {
	e.Step = step
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

// WithDisplayMessage sets the user-facing message, keeping an existing one.
func (e *EngineError) WithDisplayMessage(msg string) *EngineError {
	if e.DisplayMessage == "" {
		e.DisplayMessage = msg
	}
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

// IsConfigurationMissing reports whether err is a configuration-class failure.
func IsConfigurationMissing(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsOperationFailed reports whether err is an operational failure.
func IsOperationFailed(err error) bool {
	return classOf(err) == ErrorClassOperational
}

// IsFallbackExhausted reports whether err is a recovery-exhausted failure.
func IsFallbackExhausted(err error) bool {
	return classOf(err) == ErrorClassRecoveryExhausted
}

// ClassOf returns the class of the outermost EngineError in err's chain,
// or "" if there is none.
func ClassOf(err error) ErrorClass {
	return classOf(err)
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// DisplayMessage returns the first user-facing message found in err's chain.
func DisplayMessage(err error) string {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return ""
		}
		if e.DisplayMessage != "" {
			return e.DisplayMessage
		}
		err = e.Err
	}
	return ""
}

// configurationError is implemented by errors from other packages that
// describe an unmet precondition, such as a missing crypto key.
type configurationError interface {
	ConfigurationError() bool
}

// classify wraps an operation's error in the right tier. Errors that are
// already classified are kept as they are.
func classify(err error, step *ActionStep) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.WithStep(step.DisplayName()).
			WithOperation(step.Name()).
			WithDisplayMessage(step.Metadata().DisplayMessage)
	}

	var ce configurationError
	if errors.As(err, &ce) && ce.ConfigurationError() {
		return NewConfigurationError("precondition not met", err).
			WithStep(step.DisplayName()).
			WithOperation(step.Name()).
			WithDisplayMessage(step.Metadata().DisplayMessage)
	}

	return NewOperationalError("operation failed", err).
		WithStep(step.DisplayName()).
		WithOperation(step.Name()).
		WithDisplayMessage(step.Metadata().DisplayMessage)
}

// Common error codes.
const (
	ErrCodeConfigMissing     = "CONFIG_MISSING"
	ErrCodeOperationFailed   = "OPERATION_FAILED"
	ErrCodeFallbackExhausted = "FALLBACK_EXHAUSTED"
	ErrCodeAlreadyRun        = "ALREADY_RUN"
	ErrCodeUnknownOperation  = "UNKNOWN_OPERATION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodePanic             = "PANIC"
)
