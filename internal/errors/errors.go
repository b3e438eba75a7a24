// Package errors defines the error taxonomy shared across armada and the
// helpers used to classify failures coming back from upstream services.
//
// Coordination components (work queue, collaboration bus, throttle, rate
// budget) never return errors for claim conflicts or unknown ids; they
// report those through boolean results. Errors in this package describe
// failures of external collaborators, chiefly the model service.
//
// # Classification
//
//	if errors.IsFatal(err) { ... }       // stop the worker, retrying cannot help
//	if errors.IsRateLimited(err) { ... } // enter cooldown, honor RetryAfter
//	if errors.IsRetryable(err) { ... }   // back off and retry the iteration
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors for upstream failure classes.
var (
	ErrRateLimited  = New("upstream rate limited")
	ErrTimeout      = New("upstream timeout")
	ErrUnauthorized = New("upstream unauthorized")
	ErrServer       = New("upstream server error")
	ErrUpstream     = New("upstream error")
)

// Kind identifies the class of an upstream failure.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindTimeout
	KindUnauthorized
	KindServer
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindServer:
		return "server"
	default:
		return "other"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindTimeout:
		return ErrTimeout
	case KindUnauthorized:
		return ErrUnauthorized
	case KindServer:
		return ErrServer
	default:
		return ErrUpstream
	}
}

// UpstreamError describes a failed call to an external service.
type UpstreamError struct {
	Kind       Kind
	Service    string
	StatusCode int
	// RetryAfter is the server-supplied retry hint; zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// NewUpstreamError creates an UpstreamError of the given kind.
func NewUpstreamError(kind Kind, service, message string, cause error) *UpstreamError {
	return &UpstreamError{
		Kind:    kind,
		Service: service,
		Message: message,
		Err:     cause,
	}
}

// FromStatus classifies an HTTP status code into an UpstreamError.
func FromStatus(service string, status int, body string) *UpstreamError {
	kind := KindOther
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusPaymentRequired:
		kind = KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServer
	}
	e := NewUpstreamError(kind, service, strings.TrimSpace(body), nil)
	e.StatusCode = status
	return e
}

// WithRetryAfter sets the retry hint.
func (e *UpstreamError) WithRetryAfter(d time.Duration) *UpstreamError {
	e.RetryAfter = d
	return e
}

func (e *UpstreamError) Error() string {
	var sb strings.Builder
	if e.Service != "" {
		sb.WriteString(e.Service)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.sentinel().Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *UpstreamError) Is(target error) bool {
	return target == e.Kind.sentinel() || target == ErrUpstream
}

// IsRateLimited reports whether err signals an upstream rate limit.
func IsRateLimited(err error) bool {
	return err != nil && Is(err, ErrRateLimited)
}

// IsFatal reports whether retrying err cannot succeed.
func IsFatal(err error) bool {
	return err != nil && Is(err, ErrUnauthorized)
}

// IsRetryable reports whether err is a transient upstream failure.
// Context deadline expiry counts as a timeout; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var ue *UpstreamError
	if As(err, &ue) {
		return ue.Kind != KindOther
	}
	return Is(err, ErrTimeout) || isDeadline(err)
}

// RetryAfter returns the server-supplied retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ue *UpstreamError
	if As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter, true
	}
	return 0, false
}

// Wrap wraps err with a message. Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

type timeout interface {
	Timeout() bool
}

func isDeadline(err error) bool {
	var t timeout
	if As(err, &t) && t.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "deadline exceeded")
}
