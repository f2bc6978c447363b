package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures for the fallback policy.
type ErrorKind string

const (
	// KindTransient failures trigger fallback to the next backend.
	KindTransient ErrorKind = "TransientBackendFailure"
	// KindPermanent failures stop the whole dispatch: the same input would
	// be rejected by every backend.
	KindPermanent ErrorKind = "PermanentBackendFailure"
	// KindUnavailable marks a backend whose availability predicate failed.
	KindUnavailable ErrorKind = "BackendUnavailable"
)

// Reasons reported by the external services. These name the boundary error,
// not our classification of it.
const (
	ReasonUnreadableFormat   = "UnreadableFormat"
	ReasonSequenceTooLong    = "SequenceTooLong"
	ReasonInvalidCharacters  = "InvalidCharacters"
	ReasonInvalidSMILES      = "InvalidSMILES"
	ReasonServiceUnavailable = "ServiceUnavailable"
)

// BackendError is a classified failure from one backend attempt.
type BackendError struct {
	Backend string
	Kind    ErrorKind
	Reason  string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient wraps an error as a fallback-eligible failure.
func Transient(backend, reason string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: KindTransient, Reason: reason, Err: err}
}

// Permanent wraps an error as a dispatch-stopping failure.
func Permanent(backend, reason string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: KindPermanent, Reason: reason, Err: err}
}

// Unavailable wraps an availability-predicate failure.
func Unavailable(backend string, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: KindUnavailable, Reason: ReasonServiceUnavailable, Err: err}
}

// Classify maps an arbitrary attempt error onto an ErrorKind. Timeouts count
// as transient since an independent backend may still succeed; unclassified
// errors default to transient for the same reason.
func Classify(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// ReasonOf extracts the boundary reason from an attempt error, if any.
func ReasonOf(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	return ""
}
