package apiclient

import (
	"errors"
	"fmt"
	"net"
)

// ErrKind classifies API failures for the caller's retry/abort decision.
type ErrKind string

const (
	// KindAuth covers 401/403 and failed token refresh. Never retried; a sync
	// run aborts rather than burning further calls.
	KindAuth ErrKind = "auth"
	// KindTransient covers timeouts, 5xx and 429. Retried with backoff.
	KindTransient ErrKind = "transient"
	// KindValidation covers malformed payloads for a single field or record.
	KindValidation ErrKind = "validation"
	// KindOther is everything else (4xx, protocol errors).
	KindOther ErrKind = "other"
)

// APIError carries the failure kind alongside the HTTP context.
type APIError struct {
	Kind     ErrKind
	Status   int
	Endpoint string
	Err      error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api %s: %s (status %d): %v", e.Endpoint, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("api %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication failure anywhere in the chain.
func IsAuth(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindAuth
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind == KindTransient
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func kindForStatus(status int) ErrKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status >= 500:
		return KindTransient
	default:
		return KindOther
	}
}
