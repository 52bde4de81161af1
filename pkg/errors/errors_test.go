package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "with cause",
			err:  Wrap(errors.New("missing field \"nbits\""), ErrorTypeDecode, "fetch_job", "job source returned an invalid job"),
			want: `fetch_job: job source returned an invalid job: missing field "nbits"`,
		},
		{
			name: "without cause",
			err:  New(ErrorTypeValidation, "parse_solution", "expected <job_id>:<nonce>:<address>"),
			want: "parse_solution: expected <job_id>:<nonce>:<address>",
		},
		{
			name: "nested",
			err: Wrap(New(ErrorTypeNetwork, "fetch_job", "job source answered 502 Bad Gateway"),
				ErrorTypeInternal, "mine", "run aborted"),
			want: "mine: run aborted: fetch_job: job source answered 502 Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_RetryByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeDecode, false},
		{ErrorTypeValidation, false},
		{ErrorTypeBitcoin, false},
		{ErrorTypeStorage, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.IsRetryable() != tt.retryable {
				t.Errorf("New(%s).IsRetryable() = %v, want %v", tt.errorType, err.IsRetryable(), tt.retryable)
			}
			if err.Cause != nil {
				t.Error("New() should not set a cause")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name      string
		cause     error
		errorType ErrorType
		retryable bool
	}{
		{"refused connection", refused, ErrorTypeNetwork, true},
		{"truncated body", io.ErrUnexpectedEOF, ErrorTypeNetwork, true},
		{"decode is final even on EOF", io.ErrUnexpectedEOF, ErrorTypeDecode, false},
		{"validation is final", refused, ErrorTypeValidation, false},
		{"cancelled", context.Canceled, ErrorTypeNetwork, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorTypeTimeout, false},
		{"plain error", errors.New("unknown"), ErrorTypeStorage, false},
		{"inner retryable kept", New(ErrorTypeMessaging, "publish", "broker busy"), ErrorTypeInternal, true},
		{"inner final kept", New(ErrorTypeValidation, "parse", "bad"), ErrorTypeNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Wrap(tt.cause, tt.errorType, "op", "msg")
			if err.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", err.IsRetryable(), tt.retryable)
			}
			if !errors.Is(err, tt.cause) {
				t.Error("errors.Is should reach the cause")
			}
			if err.Type != tt.errorType {
				t.Errorf("Type = %s, want %s", err.Type, tt.errorType)
			}
		})
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrorTypeNetwork, "fetch_job", "job source answered 404 Not Found").WithRetryable(false)
	if err.IsRetryable() {
		t.Error("WithRetryable(false) should override the type default")
	}
	if !New(ErrorTypeInternal, "op", "msg").WithRetryable(true).IsRetryable() {
		t.Error("WithRetryable(true) should override the type default")
	}
}

func TestLogFields(t *testing.T) {
	err := New(ErrorTypeNetwork, "fetch_job", "job source answered 503 Service Unavailable").
		WithContext("url", "http://pool").
		WithContext("status_code", 503)

	got := err.LogFields()
	want := []any{
		"error", err.Error(),
		"error_type", "network",
		"operation", "fetch_job",
		"status_code", 503,
		"url", "http://pool",
	}

	if len(got) != len(want) {
		t.Fatalf("LogFields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("LogFields()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTypeOfAndIsType(t *testing.T) {
	decode := Wrap(errors.New("bad json"), ErrorTypeDecode, "fetch_job", "invalid job")
	wrapped := fmt.Errorf("run: %w", decode)

	if TypeOf(wrapped) != ErrorTypeDecode {
		t.Errorf("TypeOf() = %q, want decode", TypeOf(wrapped))
	}
	if !IsType(wrapped, ErrorTypeDecode) {
		t.Error("IsType() should see through fmt wrapping")
	}
	if IsType(wrapped, ErrorTypeNetwork) {
		t.Error("IsType() matched the wrong type")
	}
	if TypeOf(errors.New("plain")) != "" || IsType(nil, "") {
		t.Error("plain and nil errors have no type")
	}

	// Only the outermost ServiceError counts
	outer := Wrap(decode, ErrorTypeInternal, "mine", "aborted")
	if !IsType(outer, ErrorTypeInternal) || IsType(outer, ErrorTypeDecode) {
		t.Error("IsType() should report the outermost type")
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	timeout := &net.DNSError{Err: "i/o timeout", Name: "pool.invalid", IsTimeout: true}
	notFound := &net.DNSError{Err: "no such host", Name: "pool.invalid", IsNotFound: true}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"broken pipe", syscall.EPIPE, true},
		{"eof", io.EOF, true},
		{"dns timeout", timeout, true},
		{"dns not found", notFound, true},
		{"dns permanent", &net.DNSError{Err: "server misbehaving", Name: "x"}, false},
		{"op error", &net.OpError{Op: "read", Err: errors.New("closed")}, true},
		{"unknown", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeBitcoin, "get_block_template", "rpc failed").
		WithContext("host", "127.0.0.1").
		WithContext("port", 8332)

	ctx := GetContext(fmt.Errorf("refresh: %w", err))
	if ctx["host"] != "127.0.0.1" || ctx["port"] != 8332 {
		t.Errorf("GetContext() = %v", ctx)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("GetContext() of a plain error should be nil")
	}
}
