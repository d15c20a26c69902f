package appointments

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

// PAID is never stored: confirmation follows full settlement automatically,
// so settlement persists CONFIRMED directly and PAID only labels the
// intermediate step in metrics.
const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusConfirmed      Status = "CONFIRMED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
// Terminal appointments no longer occupy their staff/time window.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CancellationOutcome qualifies a CANCELLED appointment.
type CancellationOutcome string

const (
	OutcomeNone         CancellationOutcome = "NONE"
	OutcomeClientCancel CancellationOutcome = "CLIENT_CANCEL"
	OutcomeAdminCancel  CancellationOutcome = "ADMIN_CANCEL"
	OutcomeNoShow       CancellationOutcome = "NO_SHOW"
	OutcomeAutoExpired  CancellationOutcome = "AUTO_EXPIRED"
)

// Role identifies who requested a transition.
type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the principal behind a transition request.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// Appointment is the central entity. Rows are never deleted; cancellation is
// a terminal status so history stays available for audit and credits.
type Appointment struct {
	ID         uuid.UUID
	ClientID   uuid.UUID
	StaffID    uuid.UUID
	ServiceIDs []uuid.UUID

	StartTime time.Time
	EndTime   time.Time

	Status              Status
	CancellationOutcome CancellationOutcome

	// PriceAtPurchaseCents is snapshotted at booking time and never
	// recomputed from the catalog.
	PriceAtPurchaseCents int64
	// PaidCents accumulates all settled contributions, cash and
	// credit-covered portions alike.
	PaidCents int64

	RescheduleCount int
	PaymentDeadline time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutstandingCents is what remains to be settled before the appointment can
// reach PAID. Credit-covered portions count as settled.
func (a *Appointment) OutstandingCents() int64 {
	out := a.PriceAtPurchaseCents - a.PaidCents
	if out < 0 {
		return 0
	}
	return out
}

// Duration is the booked treatment length.
func (a *Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}
