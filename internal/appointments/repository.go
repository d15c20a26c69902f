package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
)

// Interval is an occupied [Start, End) window of staff time.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Repository persists appointments and the client standing counters.
type Repository struct {
	db storage.DB
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("appointments: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting pgxmock for tests.
func NewRepositoryWithDB(db storage.DB) *Repository {
	return &Repository{db: db}
}

// WithTx runs fn inside a transaction carried on the context.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.WithTx(ctx, r.db, fn)
}

const appointmentColumns = `
	id, client_id, staff_id, service_ids, start_time, end_time,
	status, cancellation_outcome, price_at_purchase_cents, paid_cents,
	reschedule_count, payment_deadline, created_at, updated_at
`

// Create inserts a new appointment row.
func (r *Repository) Create(ctx context.Context, a *Appointment) error {
	query := `
		INSERT INTO appointments (
			id, client_id, staff_id, service_ids, start_time, end_time,
			status, cancellation_outcome, price_at_purchase_cents, paid_cents,
			reschedule_count, payment_deadline
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query,
		a.ID,
		a.ClientID,
		a.StaffID,
		a.ServiceIDs,
		a.StartTime,
		a.EndTime,
		a.Status,
		a.CancellationOutcome,
		a.PriceAtPurchaseCents,
		a.PaidCents,
		a.RescheduleCount,
		a.PaymentDeadline,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

// GetByID fetches an appointment.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	return r.scanOne(storage.Querier(ctx, r.db).QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches an appointment with a row lock. Must run inside a
// transaction; the row lock backs the per-appointment ordering guarantee at
// the database level.
func (r *Repository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1 FOR UPDATE`
	return r.scanOne(storage.Querier(ctx, r.db).QueryRow(ctx, query, id))
}

func (r *Repository) scanOne(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ClientID,
		&a.StaffID,
		&a.ServiceIDs,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.CancellationOutcome,
		&a.PriceAtPurchaseCents,
		&a.PaidCents,
		&a.RescheduleCount,
		&a.PaymentDeadline,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("appointments: scan: %w", err)
	}
	return &a, nil
}

// UpdateTransition persists the mutable fields a state transition may touch.
func (r *Repository) UpdateTransition(ctx context.Context, a *Appointment) error {
	query := `
		UPDATE appointments
		SET status = $2,
		    cancellation_outcome = $3,
		    paid_cents = $4,
		    reschedule_count = $5,
		    start_time = $6,
		    end_time = $7,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query,
		a.ID,
		a.Status,
		a.CancellationOutcome,
		a.PaidCents,
		a.RescheduleCount,
		a.StartTime,
		a.EndTime,
	).Scan(&a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("appointments: update transition: %w", err)
	}
	return nil
}

// HasOverlap reports whether any non-terminal appointment of the staff
// member intersects [windowStart, windowEnd). The caller applies buffers
// before calling. exclude skips one appointment id (used by reschedules).
func (r *Repository) HasOverlap(ctx context.Context, staffID uuid.UUID, windowStart, windowEnd time.Time, exclude uuid.UUID) (bool, error) {
	query := `
		SELECT 1
		FROM appointments
		WHERE staff_id = $1
		  AND status NOT IN ('COMPLETED', 'CANCELLED')
		  AND start_time < $3
		  AND end_time > $2
		  AND id <> $4
		LIMIT 1
	`
	var one int
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query, staffID, windowStart, windowEnd, exclude).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("appointments: overlap check: %w", err)
	}
	return true, nil
}

// ActiveIntervals lists the occupied windows of a staff member intersecting
// [from, to), ordered by start time. Read-only; availability tolerates the
// view going stale before booking.
func (r *Repository) ActiveIntervals(ctx context.Context, staffID uuid.UUID, from, to time.Time) ([]Interval, error) {
	query := `
		SELECT start_time, end_time
		FROM appointments
		WHERE staff_id = $1
		  AND status NOT IN ('COMPLETED', 'CANCELLED')
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query, staffID, from, to)
	if err != nil {
		return nil, fmt.Errorf("appointments: active intervals: %w", err)
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("appointments: scan interval: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// CountActiveByClient counts the client's non-terminal appointments.
func (r *Repository) CountActiveByClient(ctx context.Context, clientID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM appointments
		WHERE client_id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
	`
	var n int
	if err := storage.Querier(ctx, r.db).QueryRow(ctx, query, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("appointments: count active: %w", err)
	}
	return n, nil
}

// ListExpiredPending returns ids of unpaid appointments whose payment
// deadline has passed, for the expiration sweep.
func (r *Repository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM appointments
		WHERE status = 'PENDING_PAYMENT' AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list expired: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("appointments: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClientBlocked reports whether the client is flagged as blocked.
func (r *Repository) ClientBlocked(ctx context.Context, clientID uuid.UUID) (bool, error) {
	query := `SELECT blocked FROM clients WHERE id = $1`
	var blocked bool
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query, clientID).Scan(&blocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown clients are not blocked; identity lives elsewhere.
			return false, nil
		}
		return false, fmt.Errorf("appointments: client standing: %w", err)
	}
	return blocked, nil
}

// IncrementNoShow bumps the client's no-show counter for risk scoring.
func (r *Repository) IncrementNoShow(ctx context.Context, clientID uuid.UUID) error {
	query := `
		INSERT INTO clients (id, blocked, no_show_count)
		VALUES ($1, FALSE, 1)
		ON CONFLICT (id) DO UPDATE SET no_show_count = clients.no_show_count + 1
	`
	if _, err := storage.Querier(ctx, r.db).Exec(ctx, query, clientID); err != nil {
		return fmt.Errorf("appointments: increment no-show: %w", err)
	}
	return nil
}
