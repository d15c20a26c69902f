package catalog

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

// ErrServiceNotFound is returned when a requested service id does not exist
// or the service has been deactivated.
var ErrServiceNotFound = errors.New("catalog: service not found")

// ErrStaffNotFound is returned for unknown or inactive staff lookups.
var ErrStaffNotFound = errors.New("catalog: staff not found")

// Repository loads staff, schedules and services.
type Repository struct {
	db storage.DB
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("catalog: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting pgxmock for tests.
func NewRepositoryWithDB(db storage.DB) *Repository {
	return &Repository{db: db}
}

// ListActiveStaff returns active staff ordered by creation, which fixes the
// insertion order used for slot sorting and labeling.
func (r *Repository) ListActiveStaff(ctx context.Context) ([]Staff, error) {
	query := `
		SELECT id, name, active, created_at
		FROM staff
		WHERE active = TRUE
		ORDER BY created_at, id
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: list staff: %w", err)
	}
	defer rows.Close()

	var out []Staff
	for rows.Next() {
		var s Staff
		if err := rows.Scan(&s.ID, &s.Name, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan staff: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStaff fetches a single active staff member.
func (r *Repository) GetStaff(ctx context.Context, id uuid.UUID) (*Staff, error) {
	query := `
		SELECT id, name, active, created_at
		FROM staff
		WHERE id = $1 AND active = TRUE
	`
	var s Staff
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query, id).
		Scan(&s.ID, &s.Name, &s.Active, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaffNotFound
		}
		return nil, fmt.Errorf("catalog: load staff: %w", err)
	}
	return &s, nil
}

// DeactivateStaff flips the active flag. Rows are never deleted.
func (r *Repository) DeactivateStaff(ctx context.Context, id uuid.UUID) error {
	ct, err := storage.Querier(ctx, r.db).Exec(ctx,
		`UPDATE staff SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("catalog: deactivate staff: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStaffNotFound
	}
	return nil
}

// ScheduleForStaff loads the recurring weekly working windows.
func (r *Repository) ScheduleForStaff(ctx context.Context, staffID uuid.UUID) (WeeklySchedule, error) {
	query := `
		SELECT weekday, start_minute, end_minute
		FROM staff_schedules
		WHERE staff_id = $1
		ORDER BY weekday, start_minute
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query, staffID)
	if err != nil {
		return nil, fmt.Errorf("catalog: load schedule: %w", err)
	}
	defer rows.Close()

	schedule := make(WeeklySchedule)
	for rows.Next() {
		var weekday int
		var tr TimeRange
		if err := rows.Scan(&weekday, &tr.StartMinute, &tr.EndMinute); err != nil {
			return nil, fmt.Errorf("catalog: scan schedule: %w", err)
		}
		day := time.Weekday(weekday)
		schedule[day] = append(schedule[day], tr)
	}
	return schedule, rows.Err()
}

// ExclusionsOn returns date-specific blocks for the staff member on a date.
func (r *Repository) ExclusionsOn(ctx context.Context, staffID uuid.UUID, date time.Time) ([]Exclusion, error) {
	query := `
		SELECT date, start_minute, end_minute, reason
		FROM staff_exclusions
		WHERE staff_id = $1 AND date = $2
		ORDER BY start_minute
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query, staffID, date)
	if err != nil {
		return nil, fmt.Errorf("catalog: load exclusions: %w", err)
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.Date, &e.StartMinute, &e.EndMinute, &e.Reason); err != nil {
			return nil, fmt.Errorf("catalog: scan exclusion: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetServices resolves the requested service ids. Every id must resolve to
// an active service or the whole lookup fails.
func (r *Repository) GetServices(ctx context.Context, ids []uuid.UUID) ([]Service, error) {
	if len(ids) == 0 {
		return nil, ErrServiceNotFound
	}
	query := `
		SELECT id, name, duration_minutes, price_cents, active
		FROM services
		WHERE id = ANY($1) AND active = TRUE
	`
	rows, err := storage.Querier(ctx, r.db).Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog: load services: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]Service, len(ids))
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.Name, &s.DurationMinutes, &s.PriceCents, &s.Active); err != nil {
			return nil, fmt.Errorf("catalog: scan service: %w", err)
		}
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve request order and reject unknown ids.
	out := make([]Service, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return nil, ErrServiceNotFound
		}
		out = append(out, s)
	}
	return out, nil
}

// TotalDuration sums the durations of the given services.
func TotalDuration(services []Service) time.Duration {
	var minutes int
	for _, s := range services {
		minutes += s.DurationMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// TotalPriceCents sums the prices of the given services.
func TotalPriceCents(services []Service) int64 {
	var total int64
	for _, s := range services {
		total += s.PriceCents
	}
	return total
}
