package errors

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of an agent error.
type Code string

const (
	CodeSensorRead Code = "SENSOR_READ" // recovered: degraded health snapshot
	CodeCapture    Code = "CAPTURE"     // recovered: cycle skips transmit
	CodeTransport  Code = "TRANSPORT"   // recovered: retry with backoff
	CodeTimeout    Code = "TIMEOUT"     // recovered: retry with backoff
	CodeConfig     Code = "CONFIG"      // fatal at process start only
	CodeInternal   Code = "INTERNAL"
)

// AgentError is a structured error with a code and optional details.
type AgentError struct {
	Code      Code
	Message   string
	Transient bool // true if a later attempt may succeed
	Details   map[string]any
	cause     error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *AgentError) Unwrap() error {
	return e.cause
}

// NewSensorRead creates a recoverable error for a failed sensor read.
func NewSensorRead(sensor string, cause error) *AgentError {
	return &AgentError{
		Code:    CodeSensorRead,
		Message: fmt.Sprintf("sensor %q read failed", sensor),
		Details: map[string]any{"sensor": sensor},
		cause:   cause,
	}
}

// NewCapture creates an error for a failed image capture. Capture errors are
// opaque to the caller and never retried within the same cycle.
func NewCapture(cause error) *AgentError {
	return &AgentError{
		Code:    CodeCapture,
		Message: "image capture failed",
		cause:   cause,
	}
}

// NewTransport creates a transient error for a failed publish attempt.
func NewTransport(topic string, cause error) *AgentError {
	return &AgentError{
		Code:      CodeTransport,
		Message:   fmt.Sprintf("publish to %q failed", topic),
		Transient: true,
		Details:   map[string]any{"topic": topic},
		cause:     cause,
	}
}

// NewTimeout creates a transient error for an operation that exceeded its
// bounded wait.
func NewTimeout(op string, cause error) *AgentError {
	return &AgentError{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("%s timed out", op),
		Transient: true,
		Details:   map[string]any{"op": op},
		cause:     cause,
	}
}

// NewConfig creates a fatal configuration error.
func NewConfig(msg string) *AgentError {
	return &AgentError{
		Code:    CodeConfig,
		Message: msg,
	}
}

// NewInternal wraps an unexpected internal error.
func NewInternal(err error) *AgentError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &AgentError{
		Code:    CodeInternal,
		Message: msg,
		cause:   err,
	}
}

// Is reports whether err is (or wraps) an AgentError with the given code.
func Is(err error, code Code) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// Transient reports whether err is (or wraps) a transient AgentError.
func Transient(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}
