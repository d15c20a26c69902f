package appointments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/audit"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/locks"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/notify"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

var tracer = otel.Tracer("zenzspa.internal.appointments")

// Policy carries the configurable business rules of the lifecycle. It is
// injected at construction so tests can vary it freely.
type Policy struct {
	RescheduleCap       int
	RescheduleCutoff    time.Duration
	CancellationCutoff  time.Duration
	CancelCreditPercent int
	NoShowCreditPercent int
	CreditTTL           time.Duration
	CommissionPercent   int
	LockTimeout         time.Duration
}

// Store is the persistence surface the state machine needs.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateTransition(ctx context.Context, a *Appointment) error
	IncrementNoShow(ctx context.Context, clientID uuid.UUID) error
}

// CreditIssuer grants client credit per cancellation policy.
type CreditIssuer interface {
	IssueCredit(ctx context.Context, clientID uuid.UUID, amountCents int64, sourceAppointmentID uuid.UUID, expiresAt time.Time) error
}

// CreditWallet reads and draws previously issued client credit.
type CreditWallet interface {
	Balance(ctx context.Context, clientID uuid.UUID, now time.Time) (int64, error)
	ConsumeCredit(ctx context.Context, clientID uuid.UUID, amountCents int64, now time.Time) (int64, error)
}

// CommissionRecorder records the commission owed on a paid appointment.
type CommissionRecorder interface {
	RecordCommission(ctx context.Context, appointmentID uuid.UUID, amountCents int64) error
}

// SlotValidator re-runs booking validation for a reschedule target window.
type SlotValidator interface {
	ValidateSlot(ctx context.Context, staffID uuid.UUID, start, end time.Time, exclude uuid.UUID) error
}

// StateMachineConfig bundles the state machine's collaborators.
type StateMachineConfig struct {
	Store       Store
	Locker      locks.Locker
	Clock       clock.Clock
	Policy      Policy
	Credits     CreditIssuer
	Wallet      CreditWallet
	Commissions CommissionRecorder
	Slots       SlotValidator
	Notifier    notify.Notifier
	Audit       audit.Recorder
	Metrics     *metrics.BookingMetrics
	Logger      *logging.Logger
}

// StateMachine owns every appointment mutation after creation. Transitions
// on one appointment are strictly sequential: each takes the per-appointment
// lock, then re-reads the row FOR UPDATE inside a single transaction that
// also carries the transition's financial side effects.
type StateMachine struct {
	store       Store
	locker      locks.Locker
	clk         clock.Clock
	policy      Policy
	credits     CreditIssuer
	wallet      CreditWallet
	commissions CommissionRecorder
	slots       SlotValidator
	notifier    notify.Notifier
	audit       audit.Recorder
	metrics     *metrics.BookingMetrics
	logger      *logging.Logger
}

// NewStateMachine constructs a state machine.
func NewStateMachine(cfg StateMachineConfig) *StateMachine {
	if cfg.Store == nil {
		panic("appointments: store required")
	}
	if cfg.Locker == nil {
		panic("appointments: locker required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Policy.LockTimeout <= 0 {
		cfg.Policy.LockTimeout = 3 * time.Second
	}
	return &StateMachine{
		store:       cfg.Store,
		locker:      cfg.Locker,
		clk:         cfg.Clock,
		policy:      cfg.Policy,
		credits:     cfg.Credits,
		wallet:      cfg.Wallet,
		commissions: cfg.Commissions,
		slots:       cfg.Slots,
		notifier:    cfg.Notifier,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// errNoChange signals that a transition turned out to be a no-op and the row
// must not be rewritten.
var errNoChange = errors.New("no change")

// pending side effects that must wait for the commit.
type effects struct {
	notifications []pendingNotification
}

type pendingNotification struct {
	eventType string
	recipient uuid.UUID
	metadata  map[string]string
}

func (e *effects) notifyLater(eventType string, recipient uuid.UUID, metadata map[string]string) {
	e.notifications = append(e.notifications, pendingNotification{eventType, recipient, metadata})
}

// transition serializes on the appointment, loads it under a row lock and
// applies fn inside one transaction. fn mutates the appointment in place and
// stages post-commit notifications on fx.
func (m *StateMachine) transition(ctx context.Context, id uuid.UUID, span string, fn func(ctx context.Context, a *Appointment, fx *effects) error) (*Appointment, error) {
	ctx, sp := tracer.Start(ctx, span)
	defer sp.End()
	sp.SetAttributes(attribute.String("zenzspa.appointment_id", id.String()))

	release, err := m.locker.Acquire(ctx, "appointment:"+id.String(), m.policy.LockTimeout)
	if err != nil {
		if errors.Is(err, locks.ErrTimeout) {
			return nil, ErrResourceLocked
		}
		return nil, err
	}
	defer release()

	var (
		result *Appointment
		fx     effects
	)
	err = m.store.WithTx(ctx, func(ctx context.Context) error {
		a, err := m.store.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, a, &fx); err != nil {
			if errors.Is(err, errNoChange) {
				result = a
				return nil
			}
			return err
		}
		if err := m.store.UpdateTransition(ctx, a); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		sp.RecordError(err)
		return nil, err
	}

	// Notifications are fire-and-forget and must not join the transaction.
	if m.notifier != nil {
		for _, n := range fx.notifications {
			m.notifier.Notify(ctx, n.eventType, n.recipient, n.metadata)
		}
	}
	return result, nil
}

func (m *StateMachine) emitAudit(ctx context.Context, actor Actor, action string, appointmentID uuid.UUID, note string) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, audit.Event{
		ActorID:       actor.ID,
		ActorRole:     string(actor.Role),
		Action:        action,
		AppointmentID: appointmentID,
		Note:          note,
		At:            m.clk.Now(),
	})
}

// ApplyPayment registers a settled contribution (cash or credit-covered)
// against a pending appointment. When the outstanding amount reaches zero
// the appointment moves through PAID to CONFIRMED and the commission is
// recorded in the same transaction.
func (m *StateMachine) ApplyPayment(ctx context.Context, id uuid.UUID, amountCents int64, source string) (*Appointment, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: non-positive payment amount", ErrInvalidTransition)
	}
	return m.transition(ctx, id, "appointments.apply_payment", func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusPendingPayment {
			return fmt.Errorf("%w: payment against %s appointment", ErrInvalidTransition, a.Status)
		}

		a.PaidCents += amountCents
		if a.OutstandingCents() > 0 {
			drawn, err := m.drawCredit(ctx, a)
			if err != nil {
				return err
			}
			if drawn > 0 {
				m.emitAudit(ctx, Actor{Role: RoleSystem}, "payment.credit_applied", a.ID, strconv.FormatInt(drawn, 10))
			}
		}
		if a.OutstandingCents() > 0 {
			m.emitAudit(ctx, Actor{Role: RoleSystem}, "payment.partial", a.ID, source)
			m.metrics.ObserveTransition(string(StatusPendingPayment), "partial_payment")
			return nil
		}

		// Fully settled: PAID, then the automatic confirmation.
		a.Status = StatusConfirmed
		m.metrics.ObserveTransition(string(StatusPaid), "ok")
		m.metrics.ObserveTransition(string(StatusConfirmed), "ok")

		if m.commissions != nil && m.policy.CommissionPercent > 0 {
			commission := a.PriceAtPurchaseCents * int64(m.policy.CommissionPercent) / 100
			if err := m.commissions.RecordCommission(ctx, a.ID, commission); err != nil {
				return err
			}
		}

		m.emitAudit(ctx, Actor{Role: RoleSystem}, "payment.settled", a.ID, source)
		fx.notifyLater(notify.EventAppointmentConfirmed, a.ClientID, map[string]string{
			"appointment_id": a.ID.String(),
			"start_time":     a.StartTime.Format(time.RFC3339),
		})
		fx.notifyLater(notify.EventAppointmentConfirmed, a.StaffID, map[string]string{
			"appointment_id": a.ID.String(),
			"start_time":     a.StartTime.Format(time.RFC3339),
		})
		return nil
	})
}

// drawCredit covers as much of the outstanding amount as the client's
// unexpired credit allows. It runs inside the settlement transaction, so the
// consumption rows and the appointment update commit together.
func (m *StateMachine) drawCredit(ctx context.Context, a *Appointment) (int64, error) {
	if m.wallet == nil {
		return 0, nil
	}
	now := m.clk.Now()
	balance, err := m.wallet.Balance(ctx, a.ClientID, now)
	if err != nil {
		return 0, err
	}
	draw := a.OutstandingCents()
	if balance < draw {
		draw = balance
	}
	if draw <= 0 {
		return 0, nil
	}
	if _, err := m.wallet.ConsumeCredit(ctx, a.ClientID, draw, now); err != nil {
		return 0, err
	}
	a.PaidCents += draw
	return draw, nil
}

// Reschedule moves a confirmed appointment to a new start time. The target
// window is revalidated through the booking path, so a reschedule can lose a
// race the same way a fresh booking can.
func (m *StateMachine) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, actor Actor) (*Appointment, error) {
	if m.slots == nil {
		return nil, fmt.Errorf("appointments: no slot validator configured")
	}
	return m.transition(ctx, id, "appointments.reschedule", func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusConfirmed {
			return fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, a.Status)
		}
		if a.RescheduleCount >= m.policy.RescheduleCap {
			return ErrRescheduleCapReached
		}
		// Admins may move appointments inside the window, clients may not.
		if actor.Role == RoleClient && m.clk.Now().After(a.StartTime.Add(-m.policy.RescheduleCutoff)) {
			return ErrRescheduleTooLate
		}

		newEnd := newStart.Add(a.Duration())
		if err := m.slots.ValidateSlot(ctx, a.StaffID, newStart, newEnd, a.ID); err != nil {
			return err
		}

		oldStart := a.StartTime
		a.StartTime = newStart
		a.EndTime = newEnd
		a.RescheduleCount++

		m.metrics.ObserveTransition(string(a.Status), "rescheduled")
		m.emitAudit(ctx, actor, "appointment.rescheduled", a.ID,
			fmt.Sprintf("from %s to %s", oldStart.Format(time.RFC3339), newStart.Format(time.RFC3339)))
		fx.notifyLater(notify.EventAppointmentRescheduled, a.ClientID, map[string]string{
			"appointment_id": a.ID.String(),
			"start_time":     newStart.Format(time.RFC3339),
		})
		return nil
	})
}

// Cancel terminates a confirmed appointment on behalf of the client or an
// admin, issuing credit per policy. Admin cancellations always grant full
// credit of the settled amount and require an audit note.
func (m *StateMachine) Cancel(ctx context.Context, id uuid.UUID, actor Actor, acceptNoRefund bool, note string) (*Appointment, error) {
	return m.transition(ctx, id, "appointments.cancel", func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusConfirmed {
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, a.Status)
		}

		var (
			outcome     CancellationOutcome
			creditCents int64
		)
		switch actor.Role {
		case RoleAdmin:
			if note == "" {
				return ErrAuditNoteRequired
			}
			outcome = OutcomeAdminCancel
			creditCents = a.PaidCents
		case RoleClient:
			outcome = OutcomeClientCancel
			insideCutoff := m.clk.Now().After(a.StartTime.Add(-m.policy.CancellationCutoff))
			if insideCutoff {
				if !acceptNoRefund {
					return ErrCancellationCutoff
				}
				creditCents = 0
			} else {
				creditCents = a.PaidCents * int64(m.policy.CancelCreditPercent) / 100
			}
		default:
			return fmt.Errorf("%w: %s may not cancel", ErrInvalidTransition, actor.Role)
		}

		a.Status = StatusCancelled
		a.CancellationOutcome = outcome

		if m.credits != nil && creditCents > 0 {
			expiresAt := m.clk.Now().Add(m.policy.CreditTTL)
			if err := m.credits.IssueCredit(ctx, a.ClientID, creditCents, a.ID, expiresAt); err != nil {
				return err
			}
		}

		m.metrics.ObserveTransition(string(StatusCancelled), string(outcome))
		m.emitAudit(ctx, actor, "appointment.cancelled", a.ID, note)
		fx.notifyLater(notify.EventAppointmentCancelled, a.ClientID, map[string]string{
			"appointment_id": a.ID.String(),
			"outcome":        string(outcome),
			"credit_cents":   strconv.FormatInt(creditCents, 10),
		})
		return nil
	})
}

// MarkNoShow terminates a confirmed appointment whose start time has passed
// without the client showing up. Staff or admin only.
func (m *StateMachine) MarkNoShow(ctx context.Context, id uuid.UUID, actor Actor, note string) (*Appointment, error) {
	return m.transition(ctx, id, "appointments.no_show", func(ctx context.Context, a *Appointment, fx *effects) error {
		if actor.Role != RoleStaff && actor.Role != RoleAdmin {
			return fmt.Errorf("%w: %s may not mark no-show", ErrInvalidTransition, actor.Role)
		}
		if a.Status != StatusConfirmed {
			return fmt.Errorf("%w: no-show from %s", ErrInvalidTransition, a.Status)
		}
		if m.clk.Now().Before(a.StartTime) {
			return ErrNotStartedYet
		}

		a.Status = StatusCancelled
		a.CancellationOutcome = OutcomeNoShow

		creditCents := a.PaidCents * int64(m.policy.NoShowCreditPercent) / 100
		if m.credits != nil && creditCents > 0 {
			if err := m.credits.IssueCredit(ctx, a.ClientID, creditCents, a.ID, m.clk.Now().Add(m.policy.CreditTTL)); err != nil {
				return err
			}
		}
		if err := m.store.IncrementNoShow(ctx, a.ClientID); err != nil {
			return err
		}

		m.metrics.ObserveTransition(string(StatusCancelled), string(OutcomeNoShow))
		m.emitAudit(ctx, actor, "appointment.no_show", a.ID, note)
		return nil
	})
}

// Complete marks a confirmed appointment as delivered. Staff or admin only,
// and only once the start time has passed.
func (m *StateMachine) Complete(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return m.transition(ctx, id, "appointments.complete", func(ctx context.Context, a *Appointment, fx *effects) error {
		if actor.Role != RoleStaff && actor.Role != RoleAdmin {
			return fmt.Errorf("%w: %s may not complete", ErrInvalidTransition, actor.Role)
		}
		if a.Status != StatusConfirmed {
			return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, a.Status)
		}
		if m.clk.Now().Before(a.StartTime) {
			return ErrNotStartedYet
		}

		a.Status = StatusCompleted
		m.metrics.ObserveTransition(string(StatusCompleted), "ok")
		m.emitAudit(ctx, actor, "appointment.completed", a.ID, "")
		return nil
	})
}

// ExpireIfUnpaid releases a pending appointment whose payment deadline has
// passed. A no-op when payment won the race or the deadline has not hit; the
// sweep calls this for every candidate id it finds.
func (m *StateMachine) ExpireIfUnpaid(ctx context.Context, id uuid.UUID) (bool, error) {
	expired := false
	_, err := m.transition(ctx, id, "appointments.expire", func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusPendingPayment {
			return errNoChange
		}
		if m.clk.Now().Before(a.PaymentDeadline) {
			return errNoChange
		}

		a.Status = StatusCancelled
		a.CancellationOutcome = OutcomeAutoExpired
		expired = true

		m.metrics.ObserveTransition(string(StatusCancelled), string(OutcomeAutoExpired))
		m.emitAudit(ctx, Actor{Role: RoleSystem}, "appointment.expired", a.ID, "payment deadline passed")
		fx.notifyLater(notify.EventAppointmentExpired, a.ClientID, map[string]string{
			"appointment_id": a.ID.String(),
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}
