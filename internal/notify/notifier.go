// Package notify defines the notification collaborator consumed by the
// state machine. Delivery (SMS/email/push) lives outside this service; from
// the booking core's perspective a notification is fire-and-forget and its
// failure never blocks a transition.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// Event types emitted by the booking core.
const (
	EventAppointmentConfirmed   = "appointment.confirmed"
	EventAppointmentCancelled   = "appointment.cancelled"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventAppointmentExpired     = "appointment.expired"
)

// Notifier dispatches a notification to a recipient.
type Notifier interface {
	Notify(ctx context.Context, eventType string, recipient uuid.UUID, metadata map[string]string)
}

// LogNotifier is the default collaborator stand-in: it records the dispatch
// in the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, eventType string, recipient uuid.UUID, metadata map[string]string) {
	n.logger.Info("notification dispatched",
		"event_type", eventType,
		"recipient", recipient,
		"metadata", metadata,
	)
}
