package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies pipeline errors for retry and recovery decisions.
type Kind int

const (
	// KindDevice means the microphone or speaker is unavailable.
	KindDevice Kind = iota
	// KindSession means the realtime service rejected, disconnected or
	// timed out.
	KindSession
	// KindConfiguration means an unknown persona/model key or bad settings.
	KindConfiguration
	// KindCancelled means barge-in or shutdown interrupted the operation.
	KindCancelled
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSession:
		return "session"
	case KindConfiguration:
		return "configuration"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DeviceError wraps err as a microphone/speaker failure.
func DeviceError(op string, err error) error {
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

// SessionError wraps err as a realtime-service failure.
func SessionError(op string, err error) error {
	return &Error{Kind: KindSession, Op: op, Err: err}
}

// ConfigurationError wraps err as a non-retryable configuration problem.
func ConfigurationError(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// CancelledError marks op as interrupted by barge-in or shutdown.
func CancelledError(op string) error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

// KindOf extracts the Kind from err. Context cancellation counts as
// KindCancelled even when unwrapped.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, true
	}
	return 0, false
}

// Retryable reports whether err is transient and worth retrying. Device and
// session failures are transient; configuration errors and cancellations
// are not. Unclassified collaborator errors are treated as transient.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	return k == KindDevice || k == KindSession
}
