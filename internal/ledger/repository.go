package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
)

// ErrInsufficientCredit is returned when consumption exceeds the usable balance.
var ErrInsufficientCredit = errors.New("ledger: insufficient credit")

// Repository persists credit entries, their consumption, and commissions.
type Repository struct {
	db storage.DB
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	return &Repository{db: pool}
}

// NewRepositoryWithDB allows injecting pgxmock for tests.
func NewRepositoryWithDB(db storage.DB) *Repository {
	return &Repository{db: db}
}

// IssueCredit writes one immutable credit entry. Zero or negative amounts
// are a no-op so policy code can call it unconditionally.
func (r *Repository) IssueCredit(ctx context.Context, clientID uuid.UUID, amountCents int64, sourceAppointmentID uuid.UUID, expiresAt time.Time) error {
	if amountCents <= 0 {
		return nil
	}
	query := `
		INSERT INTO credit_ledger (id, client_id, amount_cents, source_appointment_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := storage.Querier(ctx, r.db).Exec(ctx, query,
		uuid.New(), clientID, amountCents, sourceAppointmentID, expiresAt)
	if err != nil {
		return fmt.Errorf("ledger: issue credit: %w", err)
	}
	return nil
}

// Balance sums the client's unexpired, unconsumed credit.
func (r *Repository) Balance(ctx context.Context, clientID uuid.UUID, now time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(e.amount_cents - COALESCE(u.used_cents, 0)), 0)
		FROM credit_ledger e
		LEFT JOIN (
			SELECT entry_id, SUM(amount_cents) AS used_cents
			FROM credit_usage
			GROUP BY entry_id
		) u ON u.entry_id = e.id
		WHERE e.client_id = $1 AND e.expires_at > $2
	`
	var balance int64
	if err := storage.Querier(ctx, r.db).QueryRow(ctx, query, clientID, now).Scan(&balance); err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// ConsumeCredit draws amountCents from the client's balance, oldest expiry
// first, and returns the remaining balance. Runs in its own transaction
// unless the context already carries one.
func (r *Repository) ConsumeCredit(ctx context.Context, clientID uuid.UUID, amountCents int64, now time.Time) (int64, error) {
	if amountCents <= 0 {
		return r.Balance(ctx, clientID, now)
	}

	var remaining int64
	err := storage.WithTx(ctx, r.db, func(ctx context.Context) error {
		query := `
			SELECT e.id, e.amount_cents - COALESCE(u.used_cents, 0)
			FROM credit_ledger e
			LEFT JOIN (
				SELECT entry_id, SUM(amount_cents) AS used_cents
				FROM credit_usage
				GROUP BY entry_id
			) u ON u.entry_id = e.id
			WHERE e.client_id = $1 AND e.expires_at > $2
			  AND e.amount_cents - COALESCE(u.used_cents, 0) > 0
			ORDER BY e.expires_at, e.created_at
			FOR UPDATE OF e
		`
		rows, err := storage.Querier(ctx, r.db).Query(ctx, query, clientID, now)
		if err != nil {
			return fmt.Errorf("ledger: lock entries: %w", err)
		}

		type slice struct {
			entryID   uuid.UUID
			available int64
		}
		var open []slice
		var total int64
		for rows.Next() {
			var s slice
			if err := rows.Scan(&s.entryID, &s.available); err != nil {
				rows.Close()
				return fmt.Errorf("ledger: scan entry: %w", err)
			}
			open = append(open, s)
			total += s.available
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if total < amountCents {
			return ErrInsufficientCredit
		}

		left := amountCents
		for _, s := range open {
			if left == 0 {
				break
			}
			take := s.available
			if take > left {
				take = left
			}
			_, err := storage.Querier(ctx, r.db).Exec(ctx, `
				INSERT INTO credit_usage (id, entry_id, amount_cents)
				VALUES ($1, $2, $3)
			`, uuid.New(), s.entryID, take)
			if err != nil {
				return fmt.Errorf("ledger: record usage: %w", err)
			}
			left -= take
		}

		remaining = total - amountCents
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// RecordCommission inserts the commission owed for an appointment. Unique
// on appointment id, so replays of the same payment event stay exactly-once
// even if the idempotency layer is bypassed.
func (r *Repository) RecordCommission(ctx context.Context, appointmentID uuid.UUID, amountCents int64) error {
	if amountCents <= 0 {
		return nil
	}
	query := `
		INSERT INTO commissions (id, appointment_id, amount_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (appointment_id) DO NOTHING
	`
	_, err := storage.Querier(ctx, r.db).Exec(ctx, query, uuid.New(), appointmentID, amountCents)
	if err != nil {
		return fmt.Errorf("ledger: record commission: %w", err)
	}
	return nil
}
