package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

const testSecret = "whsec_test"

var coordBase = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

type fakeApplier struct {
	applied []uuid.UUID
	err     error
}

func (f *fakeApplier) ApplyPayment(_ context.Context, id uuid.UUID, _ int64, _ string) (*appointments.Appointment, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, id)
	return &appointments.Appointment{ID: id, Status: appointments.StatusConfirmed}, nil
}

func newCoordinator(t *testing.T, mock pgxmock.PgxPoolIface, applier *fakeApplier) *Coordinator {
	t.Helper()
	return NewCoordinator(
		NewRepositoryWithDB(mock),
		NewIdempotencyStoreWithDB(mock, 24*time.Hour),
		applier,
		testSecret,
		clock.NewFixed(coordBase),
		nil,
		logging.NewWithWriter("error", io.Discard),
	)
}

func signedEvent(ref string, status PaymentStatus, amount int64) GatewayEvent {
	return GatewayEvent{
		GatewayReference: ref,
		Status:           status,
		AmountCents:      amount,
		Signature:        SignEvent([]byte(testSecret), ref, status, amount),
	}
}

func eventFingerprint(evt GatewayEvent) string {
	return Fingerprint([]byte(fmt.Sprintf("%s|%s|%d", evt.GatewayReference, evt.Status, evt.AmountCents)))
}

func paymentColumns() []string {
	return []string{"id", "appointment_id", "amount_cents", "status", "gateway_reference", "created_at", "updated_at"}
}

func TestProcessGatewayEventApproved(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	apptID := uuid.New()
	evt := signedEvent("txn-001", PaymentApproved, 150_000)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(ScopeWebhook, evt.GatewayReference, eventFingerprint(evt), coordBase.Add(24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE payments").
		WithArgs(evt.GatewayReference, PaymentApproved).
		WillReturnRows(pgxmock.NewRows(paymentColumns()).
			AddRow(uuid.New(), &apptID, int64(150_000), PaymentApproved, evt.GatewayReference, coordBase, coordBase))
	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(ScopeWebhook, evt.GatewayReference, string(ResultApplied)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("ProcessGatewayEvent: %v", err)
	}
	if result != ResultApplied {
		t.Fatalf("result = %s, want applied", result)
	}
	if len(applier.applied) != 1 || applier.applied[0] != apptID {
		t.Fatalf("applied = %v, want [%s]", applier.applied, apptID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessGatewayEventRejectsBadSignature(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	evt := signedEvent("txn-002", PaymentApproved, 150_000)
	evt.Signature = "forged"

	// Verification runs before any database access: no expectations set.
	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
	if result != ResultInvalid {
		t.Fatalf("result = %s, want invalid", result)
	}
	if len(applier.applied) != 0 {
		t.Fatal("forged event reached the state machine")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessGatewayEventDuplicateDelivery(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	evt := signedEvent("txn-003", PaymentApproved, 150_000)
	fp := eventFingerprint(evt)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(ScopeWebhook, evt.GatewayReference, fp, coordBase.Add(24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(ScopeWebhook, evt.GatewayReference).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeWebhook, evt.GatewayReference, IdempotencyCompleted, fp, string(ResultApplied), coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("ProcessGatewayEvent: %v", err)
	}
	if result != ResultDuplicate {
		t.Fatalf("result = %s, want duplicate", result)
	}
	if len(applier.applied) != 0 {
		t.Fatal("duplicate delivery re-applied the payment")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProcessGatewayEventConflictingReplay(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	// Same reference as a processed event, different amount.
	evt := signedEvent("txn-004", PaymentApproved, 999)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(ScopeWebhook, evt.GatewayReference).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeWebhook, evt.GatewayReference, IdempotencyCompleted, "different-fingerprint", string(ResultApplied), coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
	if result != ResultConflict {
		t.Fatalf("result = %s, want conflict", result)
	}
	if len(applier.applied) != 0 {
		t.Fatal("conflicting replay reached the state machine")
	}
}

func TestProcessGatewayEventInFlightTwin(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	evt := signedEvent("txn-005", PaymentApproved, 150_000)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(ScopeWebhook, evt.GatewayReference).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeWebhook, evt.GatewayReference, IdempotencyInProgress, eventFingerprint(evt), "", coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("ProcessGatewayEvent: %v", err)
	}
	if result != ResultDuplicate {
		t.Fatalf("result = %s, want duplicate for the losing twin", result)
	}
	if len(applier.applied) != 0 {
		t.Fatal("losing twin applied effects")
	}
}

func TestProcessGatewayEventDeclinedLeavesAppointmentAlone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	applier := &fakeApplier{}
	coord := newCoordinator(t, mock, applier)
	apptID := uuid.New()
	evt := signedEvent("txn-006", PaymentDeclined, 150_000)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE payments").
		WithArgs(evt.GatewayReference, PaymentDeclined).
		WillReturnRows(pgxmock.NewRows(paymentColumns()).
			AddRow(uuid.New(), &apptID, int64(150_000), PaymentDeclined, evt.GatewayReference, coordBase, coordBase))
	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(ScopeWebhook, evt.GatewayReference, string(ResultApplied)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("ProcessGatewayEvent: %v", err)
	}
	if result != ResultApplied {
		t.Fatalf("result = %s, want applied", result)
	}
	// Declines never transition the appointment; the deadline sweep will
	// release the slot if no retry lands in time.
	if len(applier.applied) != 0 {
		t.Fatal("declined payment reached the state machine")
	}
}

func TestProcessGatewayEventUnknownReference(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	coord := newCoordinator(t, mock, &fakeApplier{})
	evt := signedEvent("txn-never-issued", PaymentApproved, 150_000)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE payments").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(paymentColumns()))
	mock.ExpectQuery("SELECT id, appointment_id").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(paymentColumns()))
	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(ScopeWebhook, evt.GatewayReference, string(ResultConflict)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
	if result != ResultConflict {
		t.Fatalf("result = %s, want conflict", result)
	}
}

func TestProcessGatewayEventRejectsNonTerminalStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	coord := newCoordinator(t, mock, &fakeApplier{})
	evt := signedEvent("txn-007", PaymentPending, 150_000)

	result, err := coord.ProcessGatewayEvent(context.Background(), evt)
	if err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if result != ResultInvalid {
		t.Fatalf("result = %s, want invalid", result)
	}
}

func TestSignEventIsStable(t *testing.T) {
	a := SignEvent([]byte(testSecret), "ref", PaymentApproved, 100)
	b := SignEvent([]byte(testSecret), "ref", PaymentApproved, 100)
	if a != b {
		t.Fatal("signature is not deterministic")
	}
	if c := SignEvent([]byte(testSecret), "ref", PaymentApproved, 101); c == a {
		t.Fatal("signature ignores the amount")
	}
	if d := SignEvent([]byte("other"), "ref", PaymentApproved, 100); d == a {
		t.Fatal("signature ignores the secret")
	}
}

func TestRunIdempotentReplaysStoredResult(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	coord := newCoordinator(t, mock, &fakeApplier{})
	payload := []byte(`{"staff":"a","start":"2026-03-11T10:00:00Z"}`)
	fp := Fingerprint(payload)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(ScopeClientRequest, "key-1", fp, coordBase.Add(24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(ScopeClientRequest, "key-1").
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeClientRequest, "key-1", IdempotencyCompleted, fp, "appt-42", coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectCommit()

	ran := false
	result, replayed, err := coord.RunIdempotent(context.Background(), "key-1", payload, func(context.Context) (string, error) {
		ran = true
		return "", nil
	})
	if err != nil {
		t.Fatalf("RunIdempotent: %v", err)
	}
	if !replayed || result != "appt-42" {
		t.Fatalf("got (%q, %v), want replayed appt-42", result, replayed)
	}
	if ran {
		t.Fatal("replay re-executed the operation")
	}
}

func TestRunIdempotentConflictOnDifferentPayload(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	coord := newCoordinator(t, mock, &fakeApplier{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeClientRequest, "key-1", IdempotencyCompleted, "other-fingerprint", "appt-42", coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectRollback()

	_, _, err = coord.RunIdempotent(context.Background(), "key-1", []byte("different"), func(context.Context) (string, error) {
		t.Fatal("operation ran despite the conflict")
		return "", nil
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want ErrIdempotencyConflict", err)
	}
}

func TestRunIdempotentContentionSurfacesAsLocked(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	coord := newCoordinator(t, mock, &fakeApplier{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT scope, key, status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"scope", "key", "status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(ScopeClientRequest, "key-1", IdempotencyInProgress, "fp", "", coordBase, coordBase.Add(24*time.Hour)))
	mock.ExpectRollback()

	_, _, err = coord.RunIdempotent(context.Background(), "key-1", []byte("payload"), func(context.Context) (string, error) {
		return "", nil
	})
	if !errors.Is(err, appointments.ErrResourceLocked) {
		t.Fatalf("err = %v, want ErrResourceLocked", err)
	}
}
