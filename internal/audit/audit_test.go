package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

func TestPostgresRecorderInsertsEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	rec := NewPostgresRecorderWithDB(mock, logging.NewWithWriter("error", io.Discard))
	e := Event{
		ActorID:       uuid.New(),
		ActorRole:     "admin",
		Action:        "appointment.cancelled",
		AppointmentID: uuid.New(),
		Note:          "client requested by phone",
		At:            time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(e.ActorID, e.ActorRole, e.Action, e.AppointmentID, e.Note, e.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec.Record(context.Background(), e)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRecorderSwallowsInsertFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	var buf bytes.Buffer
	rec := NewPostgresRecorderWithDB(mock, logging.NewWithWriter("error", &buf))

	mock.ExpectExec("INSERT INTO audit_log").
		WillReturnError(errors.New("connection reset"))

	// Must not panic or propagate; the transition this describes already
	// happened.
	rec.Record(context.Background(), Event{Action: "appointment.completed"})
	if buf.Len() == 0 {
		t.Fatal("insert failure was not logged")
	}
}

// A failed INSERT inside an open transaction poisons it, so the recorder
// must write on its own connection even when the context carries the
// transition's transaction.
func TestPostgresRecorderStaysOutsideAmbientTransaction(t *testing.T) {
	recPool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer recPool.Close()
	txPool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer txPool.Close()

	recPool.ExpectExec("INSERT INTO audit_log").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	txPool.ExpectBegin()
	txPool.ExpectCommit()

	rec := NewPostgresRecorderWithDB(recPool, logging.NewWithWriter("error", io.Discard))
	err = storage.WithTx(context.Background(), txPool, func(ctx context.Context) error {
		rec.Record(ctx, Event{Action: "appointment.cancelled"})
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := recPool.ExpectationsWereMet(); err != nil {
		t.Fatalf("insert did not run on the recorder's pool: %v", err)
	}
	if err := txPool.ExpectationsWereMet(); err != nil {
		t.Fatalf("transaction expectations: %v", err)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLogRecorder(logging.NewWithWriter("info", &buf))

	rec.Record(context.Background(), Event{Action: "payment.settled"})
	if !bytes.Contains(buf.Bytes(), []byte("payment.settled")) {
		t.Fatalf("log output missing action: %s", buf.String())
	}
}
