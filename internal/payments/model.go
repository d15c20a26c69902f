package payments

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle of one payment attempt. A record is
// created PENDING and finalized exactly once.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentDeclined PaymentStatus = "DECLINED"
	PaymentError    PaymentStatus = "ERROR"
)

// Terminal reports whether the status admits no further updates.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentApproved || s == PaymentDeclined || s == PaymentError
}

// Record is one payment attempt against the gateway. AppointmentID is
// nullable because other purchase types share the payment rail.
type Record struct {
	ID               uuid.UUID
	AppointmentID    *uuid.UUID
	AmountCents      int64
	Status           PaymentStatus
	GatewayReference string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

var (
	// ErrSignatureInvalid means the gateway event failed the HMAC check.
	// Always fatal for the request; logged for audit, never retried.
	ErrSignatureInvalid = errors.New("payments: invalid event signature")

	// ErrIdempotencyConflict means the same idempotency key arrived with a
	// different payload. Surfaced to the caller, never silently re-executed.
	ErrIdempotencyConflict = errors.New("payments: idempotency key reused with different payload")

	// ErrRecordNotFound means no payment matches the gateway reference.
	ErrRecordNotFound = errors.New("payments: record not found")

	// ErrAlreadyFinalized means the payment record already holds a terminal
	// status; callers behind the idempotency layer treat it as a duplicate.
	ErrAlreadyFinalized = errors.New("payments: record already finalized")
)
