package scheduling

import (
	"errors"
	"fmt"
)

// Kind sentinels. Every typed error below matches exactly one of them with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrPolicy     = errors.New("policy violation")
	ErrNotFound   = errors.New("not found")
)

// ErrDuplicateIdempotencyKey is returned by repositories when a patient reuses a key.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

// Reason codes carried by ConflictError and PolicyViolation.
const (
	ReasonSlotFull            = "slot_full"
	ReasonSlotUnavailable     = "slot_unavailable"
	ReasonTerminalState       = "terminal_state"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonDeadlinePassed      = "deadline_passed"
	ReasonRescheduleLimit     = "reschedule_limit"
	ReasonDoctorUnavailable   = "doctor_unavailable"
	ReasonDoctorMismatch      = "doctor_mismatch"
	ReasonSlotHasAppointments = "slot_has_appointments"
	ReasonNotOwner            = "not_owner"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError means the slot changed between the caller's read and the commit.
// It is safe to retry against a fresh slot listing.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func Conflict(reason string) error {
	return &ConflictError{Reason: reason}
}

// PolicyViolation is a business-rule rejection; retrying the same request will fail again.
type PolicyViolation struct {
	Reason  string
	Message string
}

func (e *PolicyViolation) Error() string {
	if e.Message == "" {
		return "policy violation: " + e.Reason
	}
	return fmt.Sprintf("policy violation: %s: %s", e.Reason, e.Message)
}

func (e *PolicyViolation) Is(target error) bool { return target == ErrPolicy }

func Violation(reason, format string, args ...any) error {
	return &PolicyViolation{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(entity string, id fmt.Stringer) error {
	if id == nil {
		return &NotFoundError{Entity: entity}
	}
	return &NotFoundError{Entity: entity, ID: id.String()}
}

// ReasonOf extracts the reason code of a conflict or policy error, if any.
func ReasonOf(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv.Reason
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}
