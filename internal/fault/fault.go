// Package fault holds the error taxonomy shared by the radio pipeline.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks construction-time parameter violations. Never retried.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrNotConnected is returned when an operation needs a live transport connection.
	ErrNotConnected = errors.New("not connected")
	// ErrDecode marks malformed incoming payloads.
	ErrDecode = errors.New("decode error")
	// ErrConnectFailed matches every *ConnectError via errors.Is.
	ErrConnectFailed = errors.New("connect failed")
)

// ConnectError reports a refused transport connection together with its result code.
type ConnectError struct {
	Code int
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect failed with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("connect failed with code %d", e.Code)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// InvalidConfig formats an error wrapping ErrInvalidConfig.
func InvalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Decode formats an error wrapping ErrDecode.
func Decode(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// Code extracts the connect result code from err, or -1 when err is not a connect failure.
func Code(err error) int {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}
