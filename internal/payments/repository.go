package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
)

// Repository persists payment records.
type Repository struct {
	db storage.DB
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
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

// CreateRecord inserts a PENDING payment for an initiated checkout. The
// gateway reference carries a unique constraint, so initiating the same
// reference twice fails loudly instead of forking the payment.
func (r *Repository) CreateRecord(ctx context.Context, appointmentID *uuid.UUID, amountCents int64, gatewayReference string) (*Record, error) {
	rec := &Record{
		ID:               uuid.New(),
		AppointmentID:    appointmentID,
		AmountCents:      amountCents,
		Status:           PaymentPending,
		GatewayReference: gatewayReference,
	}
	query := `
		INSERT INTO payments (id, appointment_id, amount_cents, status, gateway_reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query,
		rec.ID, rec.AppointmentID, rec.AmountCents, rec.Status, rec.GatewayReference,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("payments: insert record: %w", err)
	}
	return rec, nil
}

// GetByGatewayReference fetches a payment by its unique gateway reference.
func (r *Repository) GetByGatewayReference(ctx context.Context, gatewayReference string) (*Record, error) {
	query := `
		SELECT id, appointment_id, amount_cents, status, gateway_reference, created_at, updated_at
		FROM payments
		WHERE gateway_reference = $1
	`
	var rec Record
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query, gatewayReference).Scan(
		&rec.ID,
		&rec.AppointmentID,
		&rec.AmountCents,
		&rec.Status,
		&rec.GatewayReference,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("payments: load by reference: %w", err)
	}
	return &rec, nil
}

// Finalize moves a PENDING payment to a terminal status, exactly once. The
// status guard in the WHERE clause turns a second finalization into
// ErrAlreadyFinalized instead of a silent overwrite.
func (r *Repository) Finalize(ctx context.Context, gatewayReference string, status PaymentStatus) (*Record, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("payments: finalize to non-terminal status %s", status)
	}
	query := `
		UPDATE payments
		SET status = $2, updated_at = NOW()
		WHERE gateway_reference = $1 AND status = 'PENDING'
		RETURNING id, appointment_id, amount_cents, status, gateway_reference, created_at, updated_at
	`
	var rec Record
	err := storage.Querier(ctx, r.db).QueryRow(ctx, query, gatewayReference, status).Scan(
		&rec.ID,
		&rec.AppointmentID,
		&rec.AmountCents,
		&rec.Status,
		&rec.GatewayReference,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, lookupErr := r.GetByGatewayReference(ctx, gatewayReference); lookupErr == nil {
				return nil, ErrAlreadyFinalized
			}
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("payments: finalize: %w", err)
	}
	return &rec, nil
}
