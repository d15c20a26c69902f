package ledger

import (
	"time"

	"github.com/google/uuid"
)

// CreditEntry is balance granted to a client, usually from a cancellation or
// no-show policy. Entries are immutable once written; consumption is tracked
// in separate usage rows, never by mutating the original amount.
type CreditEntry struct {
	ID                  uuid.UUID
	ClientID            uuid.UUID
	AmountCents         int64
	SourceAppointmentID uuid.UUID
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// Commission is the financial side effect recorded when an appointment is
// paid, owed to a third party.
type Commission struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	AmountCents   int64
	CreatedAt     time.Time
}
