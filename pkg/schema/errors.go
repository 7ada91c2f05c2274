package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeRecursionLimit    = "RECURSION_LIMIT_EXCEEDED"
	ErrCodeSnippetExecution  = "SNIPPET_EXECUTION_ERROR"
	ErrCodeGateway           = "GATEWAY_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// RLMError is the structured error type for all rlm operations.
type RLMError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RLMError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RLMError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RLMError.
func NewError(code, message string) *RLMError {
	return &RLMError{Code: code, Message: message}
}

// NewErrorf creates a new RLMError with a formatted message.
func NewErrorf(code, format string, args ...any) *RLMError {
	return &RLMError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *RLMError) WithCause(err error) *RLMError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details. Existing keys are overwritten.
func (e *RLMError) WithDetails(details map[string]any) *RLMError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// CodeOf returns the code of the first RLMError in err's chain, or "" if none.
func CodeOf(err error) string {
	var rerr *RLMError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
