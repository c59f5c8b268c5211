// Package service implements the chair session coordinator: the
// transactional operations that keep chairs, patients, sessions and
// medication stock consistent.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies coordinator failures for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Stable machine-readable reasons.
const (
	ReasonChairNotFound           = "chair_not_found"
	ReasonChairInMaintenance      = "chair_in_maintenance"
	ReasonChairUnavailable        = "chair_unavailable"
	ReasonPatientNotFound         = "patient_not_found"
	ReasonPatientNotActive        = "patient_not_active"
	ReasonPatientHasActiveSession = "patient_has_active_session"
	ReasonChairHasActiveSession   = "chair_has_active_session"
	ReasonNoActiveSession         = "no_active_session"
	ReasonInvalidAmount           = "invalid_amount"
	ReasonMedicationNotFound      = "medication_not_found"
	ReasonInsufficientStock       = "insufficient_stock"
	ReasonInternal                = "internal"
)

// Error is returned by every coordinator operation that fails.  Err holds
// the underlying cause for internal failures.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(reason, msg string) *Error   { return &Error{Kind: KindNotFound, Reason: reason, Message: msg} }
func conflict(reason, msg string) *Error   { return &Error{Kind: KindConflict, Reason: reason, Message: msg} }
func badRequest(reason, msg string) *Error { return &Error{Kind: KindBadRequest, Reason: reason, Message: msg} }

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Reason: ReasonInternal, Message: msg, Err: err}
}

// KindOf extracts the Kind of err; any error that is not an *Error is
// internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the reason of err, "internal" for foreign errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}
