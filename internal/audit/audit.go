// Package audit is the side-channel every state transition reports to:
// who did what to which appointment, with an optional note. Transitions emit
// exactly one event at the transition boundary instead of scattering log
// calls through the business logic.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// Event is one audit record.
type Event struct {
	ActorID       uuid.UUID
	ActorRole     string
	Action        string
	AppointmentID uuid.UUID
	Note          string
	At            time.Time
}

// Recorder consumes audit events. Implementations must not block business
// flow on delivery problems.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// LogRecorder writes audit events to the structured log.
type LogRecorder struct {
	logger *logging.Logger
}

// NewLogRecorder creates a log-backed recorder.
func NewLogRecorder(logger *logging.Logger) *LogRecorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, e Event) {
	r.logger.Info("audit",
		"actor_id", e.ActorID,
		"actor_role", e.ActorRole,
		"action", e.Action,
		"appointment_id", e.AppointmentID,
		"note", e.Note,
		"at", e.At,
	)
}
