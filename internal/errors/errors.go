package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"
)

// Sentinel causes for pool misuse. They are wrapped inside a UsageError so
// callers can match either the class (IsUsageError) or the exact cause
// (errors.Is).
var (
	ErrDoubleFree    = stdErrors.New("buffer already returned")
	ErrUnknownBuffer = stdErrors.New("buffer was not allocated by this pool")
	ErrNilBuffer     = stdErrors.New("nil buffer")
	ErrBufferFull    = stdErrors.New("write exceeds buffer capacity")
)

// ConfigError reports an invalid construction-time parameter (non-positive
// size limits and the like). It is never recovered from.
type ConfigError struct {
	Op  string // constructor or option (e.g. "bufpool.new", "circular.new")
	Err error  // underlying cause (may be nil)
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("config error: %s", e.Op)
	}
	return fmt.Sprintf("config error: %s: %v", e.Op, e.Err)
}
func (e *ConfigError) Unwrap() error { return e.Err }

// UsageError reports a violated API contract such as a double free or the
// return of a foreign buffer. The receiver's state is left untouched.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("usage error: %s", e.Op)
	}
	return fmt.Sprintf("usage error: %s: %v", e.Op, e.Err)
}
func (e *UsageError) Unwrap() error { return e.Err }

// TimeoutError indicates an operation exceeded a deadline. The buffer core
// never produces it itself; callers that bound StopMuxing do.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a context deadline exceeded,
// or any error type that exposes Timeout() bool and returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsConfigError returns true if the error chain contains a ConfigError.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigError
	return stdErrors.As(err, &ce)
}

// IsUsageError returns true if the error chain contains a UsageError.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	var ue *UsageError
	return stdErrors.As(err, &ue)
}

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewConfigError(op string, cause error) error { return &ConfigError{Op: op, Err: cause} }
func NewUsageError(op string, cause error) error  { return &UsageError{Op: op, Err: cause} }
func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}

// Usage pattern example:
//  if err := pool.Return(buf); err != nil {
//      return fmt.Errorf("drain: %w", err)
//  }
// Keep layering context with fmt.Errorf("...: %w", err).
