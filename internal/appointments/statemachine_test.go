package appointments

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/locks"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

type fakeStore struct {
	mu      sync.Mutex
	appts   map[uuid.UUID]*Appointment
	updates int
	noShows map[uuid.UUID]int
}

func newFakeStore(appts ...*Appointment) *fakeStore {
	s := &fakeStore{appts: make(map[uuid.UUID]*Appointment), noShows: make(map[uuid.UUID]int)}
	for _, a := range appts {
		cp := *a
		s.appts[a.ID] = &cp
	}
	return s
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) GetByIDForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) UpdateTransition(_ context.Context, a *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.appts[a.ID] = &cp
	s.updates++
	return nil
}

func (s *fakeStore) IncrementNoShow(_ context.Context, clientID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noShows[clientID]++
	return nil
}

func (s *fakeStore) get(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.appts[id]
}

type issuedCredit struct {
	clientID    uuid.UUID
	amountCents int64
	source      uuid.UUID
	expiresAt   time.Time
}

type fakeLedger struct {
	mu          sync.Mutex
	credits     []issuedCredit
	commissions map[uuid.UUID]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{commissions: make(map[uuid.UUID]int64)}
}

func (l *fakeLedger) IssueCredit(_ context.Context, clientID uuid.UUID, amountCents int64, sourceAppointmentID uuid.UUID, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits = append(l.credits, issuedCredit{clientID, amountCents, sourceAppointmentID, expiresAt})
	return nil
}

func (l *fakeLedger) RecordCommission(_ context.Context, appointmentID uuid.UUID, amountCents int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commissions[appointmentID] += amountCents
	return nil
}

type fakeWallet struct {
	mu       sync.Mutex
	balance  int64
	consumed int64
}

func (w *fakeWallet) Balance(_ context.Context, _ uuid.UUID, _ time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance, nil
}

func (w *fakeWallet) ConsumeCredit(_ context.Context, _ uuid.UUID, amountCents int64, _ time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if amountCents > w.balance {
		return 0, errors.New("insufficient")
	}
	w.balance -= amountCents
	w.consumed += amountCents
	return w.balance, nil
}

type fakeSlots struct {
	err   error
	calls int
}

func (f *fakeSlots) ValidateSlot(context.Context, uuid.UUID, time.Time, time.Time, uuid.UUID) error {
	f.calls++
	return f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, eventType string, _ uuid.UUID, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

type machineHarness struct {
	machine  *StateMachine
	store    *fakeStore
	ledger   *fakeLedger
	wallet   *fakeWallet
	slots    *fakeSlots
	notifier *fakeNotifier
	clk      *clock.Fixed
}

var baseTime = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		RescheduleCap:       2,
		RescheduleCutoff:    4 * time.Hour,
		CancellationCutoff:  24 * time.Hour,
		CancelCreditPercent: 100,
		NoShowCreditPercent: 25,
		CreditTTL:           90 * 24 * time.Hour,
		CommissionPercent:   10,
		LockTimeout:         time.Second,
	}
}

func newHarness(t *testing.T, appts ...*Appointment) *machineHarness {
	t.Helper()
	h := &machineHarness{
		store:    newFakeStore(appts...),
		ledger:   newFakeLedger(),
		wallet:   &fakeWallet{},
		slots:    &fakeSlots{},
		notifier: &fakeNotifier{},
		clk:      clock.NewFixed(baseTime),
	}
	h.machine = NewStateMachine(StateMachineConfig{
		Store:       h.store,
		Locker:      locks.NewKeyedMutex(),
		Clock:       h.clk,
		Policy:      testPolicy(),
		Credits:     h.ledger,
		Wallet:      h.wallet,
		Commissions: h.ledger,
		Slots:       h.slots,
		Notifier:    h.notifier,
		Logger:      logging.NewWithWriter("error", io.Discard),
	})
	return h
}

func pendingAppointment() *Appointment {
	return &Appointment{
		ID:                   uuid.New(),
		ClientID:             uuid.New(),
		StaffID:              uuid.New(),
		ServiceIDs:           []uuid.UUID{uuid.New()},
		StartTime:            baseTime.Add(48 * time.Hour),
		EndTime:              baseTime.Add(48*time.Hour + 90*time.Minute),
		Status:               StatusPendingPayment,
		CancellationOutcome:  OutcomeNone,
		PriceAtPurchaseCents: 150_000,
		PaymentDeadline:      baseTime.Add(time.Hour),
	}
}

func confirmedAppointment() *Appointment {
	a := pendingAppointment()
	a.Status = StatusConfirmed
	a.PaidCents = a.PriceAtPurchaseCents
	return a
}

func TestApplyPaymentSettlesAndConfirms(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)

	got, err := h.machine.ApplyPayment(context.Background(), appt.ID, appt.PriceAtPurchaseCents, "gateway")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, StatusConfirmed)
	}
	if got.OutstandingCents() != 0 {
		t.Fatalf("outstanding = %d, want 0", got.OutstandingCents())
	}

	wantCommission := appt.PriceAtPurchaseCents * 10 / 100
	if c := h.ledger.commissions[appt.ID]; c != wantCommission {
		t.Fatalf("commission = %d, want %d", c, wantCommission)
	}
	if len(h.notifier.events) != 2 {
		t.Fatalf("notifications = %d, want 2 (client and staff)", len(h.notifier.events))
	}
}

func TestApplyPaymentPartialKeepsPending(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)

	got, err := h.machine.ApplyPayment(context.Background(), appt.ID, 50_000, "credit")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if got.Status != StatusPendingPayment {
		t.Fatalf("status = %s, want %s", got.Status, StatusPendingPayment)
	}
	if got.PaidCents != 50_000 {
		t.Fatalf("paid = %d, want 50000", got.PaidCents)
	}
	if len(h.ledger.commissions) != 0 {
		t.Fatal("commission recorded before settlement")
	}
	if len(h.notifier.events) != 0 {
		t.Fatal("notifications sent before settlement")
	}
}

func TestApplyPaymentAccumulatesToSettlement(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)
	ctx := context.Background()

	if _, err := h.machine.ApplyPayment(ctx, appt.ID, 100_000, "credit"); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	got, err := h.machine.ApplyPayment(ctx, appt.ID, 50_000, "gateway")
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, StatusConfirmed)
	}
	if len(h.ledger.commissions) != 1 {
		t.Fatalf("commissions = %d, want exactly 1", len(h.ledger.commissions))
	}
}

func TestApplyPaymentDrawsCreditToSettle(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)
	h.wallet.balance = 100_000

	got, err := h.machine.ApplyPayment(context.Background(), appt.ID, 50_000, "gateway")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, StatusConfirmed)
	}
	if h.wallet.consumed != 100_000 {
		t.Fatalf("credit consumed = %d, want 100000", h.wallet.consumed)
	}
	if h.wallet.balance != 0 {
		t.Fatalf("credit balance = %d, want 0", h.wallet.balance)
	}
}

func TestApplyPaymentDrawsOnlyAvailableCredit(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)
	h.wallet.balance = 20_000

	got, err := h.machine.ApplyPayment(context.Background(), appt.ID, 50_000, "gateway")
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if got.Status != StatusPendingPayment {
		t.Fatalf("status = %s, want %s", got.Status, StatusPendingPayment)
	}
	if got.PaidCents != 70_000 {
		t.Fatalf("paid = %d, want 70000", got.PaidCents)
	}
	if h.wallet.consumed != 20_000 {
		t.Fatalf("credit consumed = %d, want 20000", h.wallet.consumed)
	}
}

func TestApplyPaymentRejectsSettledAppointment(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)

	_, err := h.machine.ApplyPayment(context.Background(), appt.ID, 10_000, "gateway")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestApplyPaymentRejectsNonPositiveAmount(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)

	if _, err := h.machine.ApplyPayment(context.Background(), appt.ID, 0, "gateway"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRescheduleMovesWindow(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)
	newStart := appt.StartTime.Add(24 * time.Hour)

	got, err := h.machine.Reschedule(context.Background(), appt.ID, newStart, Actor{ID: appt.ClientID, Role: RoleClient})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !got.StartTime.Equal(newStart) {
		t.Fatalf("start = %v, want %v", got.StartTime, newStart)
	}
	if want := newStart.Add(90 * time.Minute); !got.EndTime.Equal(want) {
		t.Fatalf("end = %v, want %v", got.EndTime, want)
	}
	if got.RescheduleCount != 1 {
		t.Fatalf("reschedule count = %d, want 1", got.RescheduleCount)
	}
	if h.slots.calls != 1 {
		t.Fatalf("slot validations = %d, want 1", h.slots.calls)
	}
}

func TestRescheduleCapBindsAdminsToo(t *testing.T) {
	appt := confirmedAppointment()
	appt.RescheduleCount = 2
	h := newHarness(t, appt)

	for _, actor := range []Actor{{Role: RoleClient}, {Role: RoleAdmin}} {
		_, err := h.machine.Reschedule(context.Background(), appt.ID, appt.StartTime.Add(time.Hour), actor)
		if !errors.Is(err, ErrRescheduleCapReached) {
			t.Fatalf("%s: err = %v, want ErrRescheduleCapReached", actor.Role, err)
		}
		if !errors.Is(err, ErrPolicyViolation) {
			t.Fatalf("%s: cap error must unwrap to ErrPolicyViolation", actor.Role)
		}
	}
}

func TestRescheduleCutoffBlocksClientNotAdmin(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)
	// 2h before start, inside the 4h client cutoff.
	h.clk.Advance(46 * time.Hour)

	_, err := h.machine.Reschedule(context.Background(), appt.ID, appt.StartTime.Add(time.Hour), Actor{Role: RoleClient})
	if !errors.Is(err, ErrRescheduleTooLate) {
		t.Fatalf("client err = %v, want ErrRescheduleTooLate", err)
	}

	if _, err := h.machine.Reschedule(context.Background(), appt.ID, appt.StartTime.Add(time.Hour), Actor{Role: RoleAdmin}); err != nil {
		t.Fatalf("admin reschedule inside cutoff: %v", err)
	}
}

func TestRescheduleLosingSlotRaceLeavesAppointmentUntouched(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)
	h.slots.err = ErrSlotConflict

	_, err := h.machine.Reschedule(context.Background(), appt.ID, appt.StartTime.Add(time.Hour), Actor{Role: RoleClient})
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("err = %v, want ErrSlotConflict", err)
	}

	after := h.store.get(appt.ID)
	if !after.StartTime.Equal(appt.StartTime) || after.RescheduleCount != 0 {
		t.Fatal("failed reschedule mutated the appointment")
	}
	if h.store.updates != 0 {
		t.Fatalf("updates = %d, want 0", h.store.updates)
	}
}

func TestRescheduleRejectsPendingPayment(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)

	_, err := h.machine.Reschedule(context.Background(), appt.ID, appt.StartTime.Add(time.Hour), Actor{Role: RoleClient})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelClientOutsideCutoffGrantsCredit(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)

	got, err := h.machine.Cancel(context.Background(), appt.ID, Actor{ID: appt.ClientID, Role: RoleClient}, false, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.CancellationOutcome != OutcomeClientCancel {
		t.Fatalf("got %s/%s, want CANCELLED/CLIENT_CANCEL", got.Status, got.CancellationOutcome)
	}

	if len(h.ledger.credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(h.ledger.credits))
	}
	credit := h.ledger.credits[0]
	if credit.amountCents != appt.PaidCents {
		t.Fatalf("credit = %d, want %d", credit.amountCents, appt.PaidCents)
	}
	if credit.amountCents > appt.PaidCents {
		t.Fatal("credit exceeds the amount actually paid")
	}
	if want := baseTime.Add(90 * 24 * time.Hour); !credit.expiresAt.Equal(want) {
		t.Fatalf("credit expiry = %v, want %v", credit.expiresAt, want)
	}
}

func TestCancelClientInsideCutoffNeedsWaiver(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)
	// 12h before start, inside the 24h cancellation cutoff.
	h.clk.Advance(36 * time.Hour)

	_, err := h.machine.Cancel(context.Background(), appt.ID, Actor{Role: RoleClient}, false, "")
	if !errors.Is(err, ErrCancellationCutoff) {
		t.Fatalf("err = %v, want ErrCancellationCutoff", err)
	}
	if h.store.get(appt.ID).Status != StatusConfirmed {
		t.Fatal("rejected cancellation changed the appointment")
	}

	got, err := h.machine.Cancel(context.Background(), appt.ID, Actor{Role: RoleClient}, true, "")
	if err != nil {
		t.Fatalf("Cancel with waiver: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if len(h.ledger.credits) != 0 {
		t.Fatal("waived cancellation must not grant credit")
	}
}

func TestCancelAdminRequiresNote(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)

	_, err := h.machine.Cancel(context.Background(), appt.ID, Actor{Role: RoleAdmin}, false, "")
	if !errors.Is(err, ErrAuditNoteRequired) {
		t.Fatalf("err = %v, want ErrAuditNoteRequired", err)
	}

	got, err := h.machine.Cancel(context.Background(), appt.ID, Actor{Role: RoleAdmin}, false, "client requested by phone")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.CancellationOutcome != OutcomeAdminCancel {
		t.Fatalf("outcome = %s, want ADMIN_CANCEL", got.CancellationOutcome)
	}
	// Admin cancellations always return the full settled amount, even inside
	// the cutoff.
	if len(h.ledger.credits) != 1 || h.ledger.credits[0].amountCents != appt.PaidCents {
		t.Fatalf("credits = %+v, want full %d", h.ledger.credits, appt.PaidCents)
	}
}

func TestCancelPartialPaymentCreditsOnlyPaidAmount(t *testing.T) {
	appt := confirmedAppointment()
	appt.PaidCents = 60_000 // settled via credit before a price change, stays partial
	h := newHarness(t, appt)

	_, err := h.machine.Cancel(context.Background(), appt.ID, Actor{Role: RoleClient}, false, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.ledger.credits[0].amountCents != 60_000 {
		t.Fatalf("credit = %d, want 60000", h.ledger.credits[0].amountCents)
	}
}

func TestMarkNoShow(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)

	_, err := h.machine.MarkNoShow(context.Background(), appt.ID, Actor{Role: RoleStaff}, "")
	if !errors.Is(err, ErrNotStartedYet) {
		t.Fatalf("before start: err = %v, want ErrNotStartedYet", err)
	}

	h.clk.Advance(49 * time.Hour)
	got, err := h.machine.MarkNoShow(context.Background(), appt.ID, Actor{Role: RoleStaff}, "client unreachable")
	if err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}
	if got.CancellationOutcome != OutcomeNoShow {
		t.Fatalf("outcome = %s, want NO_SHOW", got.CancellationOutcome)
	}
	if want := appt.PaidCents * 25 / 100; h.ledger.credits[0].amountCents != want {
		t.Fatalf("credit = %d, want %d", h.ledger.credits[0].amountCents, want)
	}
	if h.store.noShows[appt.ClientID] != 1 {
		t.Fatalf("no-show count = %d, want 1", h.store.noShows[appt.ClientID])
	}
}

func TestMarkNoShowRejectsClient(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)
	h.clk.Advance(49 * time.Hour)

	_, err := h.machine.MarkNoShow(context.Background(), appt.ID, Actor{Role: RoleClient}, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestComplete(t *testing.T) {
	appt := confirmedAppointment()
	h := newHarness(t, appt)

	if _, err := h.machine.Complete(context.Background(), appt.ID, Actor{Role: RoleStaff}); !errors.Is(err, ErrNotStartedYet) {
		t.Fatalf("before start: err = %v, want ErrNotStartedYet", err)
	}

	h.clk.Advance(50 * time.Hour)
	got, err := h.machine.Complete(context.Background(), appt.ID, Actor{Role: RoleStaff})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestExpireIfUnpaid(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)
	ctx := context.Background()

	expired, err := h.machine.ExpireIfUnpaid(ctx, appt.ID)
	if err != nil {
		t.Fatalf("ExpireIfUnpaid before deadline: %v", err)
	}
	if expired {
		t.Fatal("expired before the payment deadline")
	}

	h.clk.Advance(2 * time.Hour)
	expired, err = h.machine.ExpireIfUnpaid(ctx, appt.ID)
	if err != nil {
		t.Fatalf("ExpireIfUnpaid: %v", err)
	}
	if !expired {
		t.Fatal("expected expiration after the deadline")
	}
	after := h.store.get(appt.ID)
	if after.Status != StatusCancelled || after.CancellationOutcome != OutcomeAutoExpired {
		t.Fatalf("got %s/%s, want CANCELLED/AUTO_EXPIRED", after.Status, after.CancellationOutcome)
	}
	if len(h.ledger.credits) != 0 {
		t.Fatal("expiration granted credit for money never paid")
	}
}

func TestExpireIfUnpaidNeverTouchesSettledAppointments(t *testing.T) {
	appt := confirmedAppointment()
	appt.PaymentDeadline = baseTime.Add(-time.Hour)
	h := newHarness(t, appt)

	expired, err := h.machine.ExpireIfUnpaid(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("ExpireIfUnpaid: %v", err)
	}
	if expired {
		t.Fatal("expired a settled appointment")
	}
	if h.store.updates != 0 {
		t.Fatalf("no-op expiration rewrote the row (%d updates)", h.store.updates)
	}
}

func TestTransitionTimesOutWhenAppointmentLocked(t *testing.T) {
	appt := pendingAppointment()
	h := newHarness(t, appt)

	locker := locks.NewKeyedMutex()
	h.machine = NewStateMachine(StateMachineConfig{
		Store:  h.store,
		Locker: locker,
		Clock:  h.clk,
		Policy: Policy{LockTimeout: 50 * time.Millisecond},
		Logger: logging.NewWithWriter("error", io.Discard),
	})

	release, err := locker.Acquire(context.Background(), "appointment:"+appt.ID.String(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = h.machine.ApplyPayment(context.Background(), appt.ID, 1_000, "gateway")
	if !errors.Is(err, ErrResourceLocked) {
		t.Fatalf("err = %v, want ErrResourceLocked", err)
	}
}

func TestTransitionUnknownAppointment(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.ApplyPayment(context.Background(), uuid.New(), 1_000, "gateway")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
