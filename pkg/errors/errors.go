// Package errors provides the structured error type shared by the miner, the
// job server and the event recorder. A ServiceError names the operation that
// failed, classifies it and records whether trying again can help.
package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"syscall"
)

// ErrorType classifies a failure
type ErrorType string

const (
	// ErrorTypeNetwork is a transport failure talking to the job source
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeDecode is a response that could not be decoded
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypeValidation is invalid input or an invalid solution
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeBitcoin is a Bitcoin Core RPC or template failure
	ErrorTypeBitcoin ErrorType = "bitcoin"
	// ErrorTypeMessaging is a Kafka or ZMQ failure
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeStorage is a Redis, PostgreSQL or InfluxDB failure
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeTimeout is an operation that ran out of time
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal is a bug or an unclassified failure
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a classified failure of a named operation
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Retryable bool
}

// Error renders "operation: message: cause". The miner prints it verbatim
// on a fatal error, so context is left to the structured logs.
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair for logging
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retry decision made at construction
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// LogFields flattens the error into slog key/value pairs, context keys in
// sorted order
func (e *ServiceError) LogFields() []any {
	fields := []any{
		"error", e.Error(),
		"error_type", string(e.Type),
		"operation", e.Operation,
	}

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, k, e.Context[k])
	}
	return fields
}

// New creates a ServiceError without a cause. Network, timeout and
// messaging failures are retryable.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Retryable: retryableType(errorType),
	}
}

// Wrap classifies err under operation; a nil err stays nil. An inner
// ServiceError keeps its retry decision. Otherwise decode and validation
// failures are final and anything else is retried only when the cause looks
// like a transient transport failure.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	se := &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
	}

	var inner *ServiceError
	switch {
	case errors.As(err, &inner):
		se.Retryable = inner.Retryable
	case errorType == ErrorTypeDecode || errorType == ErrorTypeValidation:
		se.Retryable = false
	default:
		se.Retryable = transient(err)
	}
	return se
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging:
		return true
	default:
		return false
	}
}

// transient recognises failures that typically clear up on their own
func transient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// TypeOf returns the type of the outermost ServiceError in err's chain, or
// the empty string
func TypeOf(err error) ErrorType {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}

// IsType reports whether the outermost ServiceError in err's chain has type
// errorType
func IsType(err error, errorType ErrorType) bool {
	return err != nil && TypeOf(err) == errorType
}

// IsRetryable reports whether err may succeed if the operation is repeated.
// Plain errors are judged by their cause.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return transient(err)
}

// GetContext returns the context of the outermost ServiceError, or nil
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
