package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for the caller. The API layer maps each kind to
// exactly one HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindBadRequest
	KindNotFound
	KindRateLimitExceeded
	KindQuotaExceeded
	KindUpstreamUnavailable
	KindUpstreamAuthFailed
	KindNotImplemented
	KindNotSupported
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindInternal:            "internal_error",
	KindUnauthenticated:     "unauthenticated",
	KindForbidden:           "forbidden",
	KindBadRequest:          "bad_request",
	KindNotFound:            "not_found",
	KindRateLimitExceeded:   "rate_limit_exceeded",
	KindQuotaExceeded:       "quota_exceeded",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindUpstreamAuthFailed:  "upstream_auth_failed",
	KindNotImplemented:      "not_implemented",
	KindNotSupported:        "not_supported",
	KindConfiguration:       "configuration_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the single error type crossing package boundaries. Message is safe
// to show to the caller; Err carries the internal cause and is only logged.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrBadRequest          = &Error{Kind: KindBadRequest}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrRateLimitExceeded   = &Error{Kind: KindRateLimitExceeded}
	ErrQuotaExceeded       = &Error{Kind: KindQuotaExceeded}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstreamAuthFailed  = &Error{Kind: KindUpstreamAuthFailed}
	ErrNotImplemented      = &Error{Kind: KindNotImplemented}
	ErrNotSupported        = &Error{Kind: KindNotSupported}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrInternal            = &Error{Kind: KindInternal}
)

func Unauthenticated(message string, cause error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message, Err: cause}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func BadRequest(message string, cause error) *Error {
	return &Error{Kind: KindBadRequest, Message: message, Err: cause}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func RateLimitExceeded(retryAfter time.Duration) *Error {
	secs := int(retryAfter / time.Second)
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", secs),
		RetryAfter: retryAfter,
	}
}

func QuotaExceeded(dailyQuota int, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindQuotaExceeded,
		Message:    fmt.Sprintf("Daily quota exceeded (%d requests/day)", dailyQuota),
		RetryAfter: retryAfter,
	}
}

func UpstreamUnavailable(message string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: message, Err: cause}
}

func UpstreamAuthFailed(message string) *Error {
	return &Error{Kind: KindUpstreamAuthFailed, Message: message}
}

func NotImplemented(message string) *Error {
	return &Error{Kind: KindNotImplemented, Message: message}
}

func NotSupported(message string) *Error {
	return &Error{Kind: KindNotSupported, Message: message}
}

func Configuration(message string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: cause}
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
