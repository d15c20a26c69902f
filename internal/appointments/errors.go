package appointments

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the appointment id does not exist.
	ErrNotFound = errors.New("appointment not found")

	// ErrSlotConflict means the requested staff/time window is taken.
	// Retryable by re-querying availability.
	ErrSlotConflict = errors.New("slot no longer available")

	// ErrInvalidTransition means a precondition of the state machine failed.
	// Never retried; it indicates a caller bug or a stale view.
	ErrInvalidTransition = errors.New("invalid appointment transition")

	// ErrResourceLocked means a per-staff or per-appointment lock could not
	// be acquired in time. Transient; retry with backoff.
	ErrResourceLocked = errors.New("resource locked")

	// ErrPolicyViolation is the base class for user-facing business rule
	// rejections. Match with errors.Is.
	ErrPolicyViolation = errors.New("policy violation")
)

// Policy sub-errors all unwrap to ErrPolicyViolation so callers can branch
// on the class while surfacing the specific message.
var (
	ErrRescheduleCapReached = fmt.Errorf("%w: reschedule limit reached", ErrPolicyViolation)
	ErrRescheduleTooLate    = fmt.Errorf("%w: too close to the appointment to reschedule", ErrPolicyViolation)
	ErrCancellationCutoff   = fmt.Errorf("%w: cancellations inside the cutoff window are not eligible for credit", ErrPolicyViolation)
	ErrNotStartedYet        = fmt.Errorf("%w: appointment has not started yet", ErrPolicyViolation)
	ErrAuditNoteRequired    = fmt.Errorf("%w: an audit note is required", ErrPolicyViolation)
	ErrClientBlocked        = fmt.Errorf("%w: client is not allowed to book", ErrPolicyViolation)
	ErrTooManyActive        = fmt.Errorf("%w: too many active appointments", ErrPolicyViolation)
)
