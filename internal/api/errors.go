package api

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures for propagation decisions.
type Kind int

const (
	// KindUnknown is any fault the taxonomy does not cover.
	KindUnknown Kind = iota
	// KindUnauthenticated means no access token is present; no network call
	// was attempted.
	KindUnauthenticated
	// KindAuthExpired means the coordinated refresh failed or the retried
	// call was rejected again; the session has been erased.
	KindAuthExpired
	// KindTimeout means the call exceeded its deadline.
	KindTimeout
	// KindNetwork means the transport failed below HTTP.
	KindNetwork
	// KindUpstream means the backend answered with a non-2xx status.
	KindUpstream
	// KindValidation means a client-side precondition failed before any
	// network call.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthExpired:
		return "authentication_expired"
	case KindTimeout:
		return "request_timeout"
	case KindNetwork:
		return "network_unavailable"
	case KindUpstream:
		return "upstream_error"
	case KindValidation:
		return "validation_error"
	default:
		return "unknown"
	}
}

// Error is the structured error returned by the pipeline and the layers on
// top of it.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("api: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an *Error with a formatted message.
func Errf(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error chain; plain errors report KindUnknown.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by the error chain, or zero.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
