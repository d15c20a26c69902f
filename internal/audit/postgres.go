package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// PostgresRecorder persists audit events. Inserts run on the pool's own
// connection, never inside a transaction carried on the context: a failed
// insert inside an open transaction would poison it, and audit must never
// roll back the transition it describes. Failures are logged and swallowed.
type PostgresRecorder struct {
	db     storage.DB
	logger *logging.Logger
}

// NewPostgresRecorder creates a recorder writing to the audit_log table.
func NewPostgresRecorder(pool *pgxpool.Pool, logger *logging.Logger) *PostgresRecorder {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresRecorder{db: pool, logger: logger}
}

// NewPostgresRecorderWithDB allows injecting pgxmock for tests.
func NewPostgresRecorderWithDB(db storage.DB, logger *logging.Logger) *PostgresRecorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &PostgresRecorder{db: db, logger: logger}
}

func (r *PostgresRecorder) Record(ctx context.Context, e Event) {
	query := `
		INSERT INTO audit_log (actor_id, actor_role, action, appointment_id, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		e.ActorID, e.ActorRole, e.Action, e.AppointmentID, e.Note, e.At)
	if err != nil {
		r.logger.Error("audit insert failed", "error", err, "action", e.Action, "appointment_id", e.AppointmentID)
	}
}
