package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
)

// Idempotency scopes. Keys are only unique within a scope, so a gateway
// reference and a client-chosen key can never collide.
const (
	ScopeWebhook       = "webhook"
	ScopeClientRequest = "client-request"
)

// IdempotencyStatus tracks whether the guarded operation finished.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord is one claimed key. Fingerprint hashes the request
// payload so replays with a different body are detectable; Result carries
// the stored response for completed replays.
type IdempotencyRecord struct {
	Scope       string
	Key         string
	Status      IdempotencyStatus
	Fingerprint string
	Result      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// BeginOutcome is what claiming a key found.
type BeginOutcome int

const (
	// BeginStarted means this caller owns the key and must run the operation.
	BeginStarted BeginOutcome = iota
	// BeginInProgress means another caller holds the key and has not finished.
	BeginInProgress
	// BeginCompleted means the operation already ran; Result holds its outcome.
	BeginCompleted
)

// IdempotencyStore claims and completes idempotency keys. The claim is a
// plain insert racing on the (scope, key) unique constraint: whichever
// caller's INSERT lands owns the key, everyone else reads the winner's row.
type IdempotencyStore struct {
	db        storage.DB
	retention time.Duration
}

// NewIdempotencyStore creates a store backed by pgx. retention bounds how
// long completed keys are replayable before the sweeper purges them.
func NewIdempotencyStore(pool *pgxpool.Pool, retention time.Duration) *IdempotencyStore {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return newIdempotencyStore(pool, retention)
}

// NewIdempotencyStoreWithDB allows injecting pgxmock for tests.
func NewIdempotencyStoreWithDB(db storage.DB, retention time.Duration) *IdempotencyStore {
	return newIdempotencyStore(db, retention)
}

func newIdempotencyStore(db storage.DB, retention time.Duration) *IdempotencyStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, retention: retention}
}

// Fingerprint hashes a request payload for replay comparison.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin claims (scope, key) for this caller. When the insert loses the
// unique-constraint race or finds an existing row, the stored record is
// returned so the caller can distinguish an in-flight twin from a replay.
func (s *IdempotencyStore) Begin(ctx context.Context, scope, key, fingerprint string, now time.Time) (BeginOutcome, *IdempotencyRecord, error) {
	insert := `
		INSERT INTO idempotency_records (scope, key, status, fingerprint, expires_at)
		VALUES ($1, $2, 'IN_PROGRESS', $3, $4)
		ON CONFLICT (scope, key) DO NOTHING
	`
	tag, err := storage.Querier(ctx, s.db).Exec(ctx, insert, scope, key, fingerprint, now.Add(s.retention))
	if err != nil {
		return 0, nil, fmt.Errorf("payments: claim idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return BeginStarted, nil, nil
	}

	rec, err := s.get(ctx, scope, key)
	if err != nil {
		return 0, nil, err
	}
	if rec.Status == IdempotencyCompleted {
		return BeginCompleted, rec, nil
	}
	return BeginInProgress, rec, nil
}

// Complete marks the key done and stores the operation result for replays.
// Must run in the same transaction as the guarded operation, so a rollback
// releases the claim together with the work.
func (s *IdempotencyStore) Complete(ctx context.Context, scope, key, result string) error {
	query := `
		UPDATE idempotency_records
		SET status = 'COMPLETED', result = $3
		WHERE scope = $1 AND key = $2
	`
	tag, err := storage.Querier(ctx, s.db).Exec(ctx, query, scope, key, result)
	if err != nil {
		return fmt.Errorf("payments: complete idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payments: complete idempotency key: no claim for %s/%s", scope, key)
	}
	return nil
}

// Release drops an IN_PROGRESS claim after the guarded operation failed
// outside the transaction, so a retry can run.
func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	query := `
		DELETE FROM idempotency_records
		WHERE scope = $1 AND key = $2 AND status = 'IN_PROGRESS'
	`
	if _, err := storage.Querier(ctx, s.db).Exec(ctx, query, scope, key); err != nil {
		return fmt.Errorf("payments: release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired deletes records past retention. Called by the sweeper.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE expires_at < $1`
	tag, err := storage.Querier(ctx, s.db).Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("payments: purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *IdempotencyStore) get(ctx context.Context, scope, key string) (*IdempotencyRecord, error) {
	query := `
		SELECT scope, key, status, fingerprint, COALESCE(result, ''), created_at, expires_at
		FROM idempotency_records
		WHERE scope = $1 AND key = $2
	`
	var rec IdempotencyRecord
	err := storage.Querier(ctx, s.db).QueryRow(ctx, query, scope, key).Scan(
		&rec.Scope,
		&rec.Key,
		&rec.Status,
		&rec.Fingerprint,
		&rec.Result,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The row vanished between our losing insert and this read; the
			// owner rolled back. Treat it as in progress and let the caller retry.
			return &IdempotencyRecord{Scope: scope, Key: key, Status: IdempotencyInProgress}, nil
		}
		return nil, fmt.Errorf("payments: load idempotency record: %w", err)
	}
	return &rec, nil
}
