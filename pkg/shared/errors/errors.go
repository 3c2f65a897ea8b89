// Package errors provides the operation-error shape used at every component
// boundary in the control plane, so a caller can log a consistent
// "failed to X, component: Y, resource: Z, cause: ..." message without every
// package hand-rolling fmt.Errorf calls.
package errors

import (
	"fmt"
	"strings"
)

// OperationError describes a failed operation with optional component and
// resource context, wrapping an underlying cause.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a simple "failed to <action>[: cause]" error. Use
// FailedToWithDetails when component/resource context is available.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError carrying component and
// resource context alongside the cause.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf prepends a formatted message to err, returning nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

// DatabaseError wraps a persistence failure with the "database" component.
func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

// NetworkError wraps a transport failure with the "network" component and
// the remote endpoint as the resource.
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

// ValidationError reports a field-level validation failure.
func ValidationError(field, message string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, message)
}

// ConfigurationError reports an invalid or missing configuration setting.
func ConfigurationError(setting, message string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, message)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(action, duration string) error {
	return fmt.Errorf("timeout while %s after %s", action, duration)
}

// AuthenticationError reports a failed authentication attempt.
func AuthenticationError(reason string) error {
	return fmt.Errorf("authentication failed: %s", reason)
}

// AuthorizationError reports a principal lacking permission for an action.
func AuthorizationError(action, resource string) error {
	return fmt.Errorf("authorization failed: insufficient permissions to %s %s", action, resource)
}

// ParseError wraps a deserialization failure for a named subject and format.
func ParseError(subject, format string, cause error) error {
	return FailedTo(fmt.Sprintf("parse %s as %s", subject, format), cause)
}

var retryableSubstrings = []string{
	"timeout",
	"connection refused",
	"unavailable",
	"connection reset",
	"temporary",
}

// IsRetryable heuristically classifies an error as transient based on its
// message. It never inspects error types — callers that need precise
// classification should use sentinel errors or errors.As instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Chain combines multiple errors (ignoring nils) into one. Zero non-nil
// errors yields nil, one yields that error unchanged, more than one yields a
// "multiple errors: ..." summary.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
