// Package booking turns a client-selected slot into an appointment. It owns
// the only write path onto staff time: validation and insert run under an
// exclusive per-staff lock, which upgrades the advisory availability check
// into a hard no-double-booking guarantee.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/catalog"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/locks"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/storage"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

var tracer = otel.Tracer("zenzspa.internal.booking")

// Policy carries the booking-side knobs.
type Policy struct {
	Buffer                time.Duration
	PaymentDeadline       time.Duration
	MaxActiveAppointments int
	LockTimeout           time.Duration
	LockRetries           int
	LockRetryBaseDelay    time.Duration
}

// AppointmentStore is the persistence surface the manager needs.
type AppointmentStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, a *appointments.Appointment) error
	HasOverlap(ctx context.Context, staffID uuid.UUID, windowStart, windowEnd time.Time, exclude uuid.UUID) (bool, error)
	CountActiveByClient(ctx context.Context, clientID uuid.UUID) (int, error)
	ClientBlocked(ctx context.Context, clientID uuid.UUID) (bool, error)
}

// ServiceCatalog resolves the requested services for the price snapshot.
type ServiceCatalog interface {
	GetServices(ctx context.Context, ids []uuid.UUID) ([]catalog.Service, error)
}

// WindowValidator checks lead time and schedule fit for a window.
type WindowValidator interface {
	ValidateWindow(ctx context.Context, staffID uuid.UUID, start time.Time, total time.Duration) error
}

// Manager creates appointments.
type Manager struct {
	store   AppointmentStore
	catalog ServiceCatalog
	windows WindowValidator
	locker  locks.Locker
	clk     clock.Clock
	policy  Policy
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

// NewManager constructs a booking manager.
func NewManager(store AppointmentStore, cat ServiceCatalog, windows WindowValidator, locker locks.Locker, clk clock.Clock, policy Policy, m *metrics.BookingMetrics, logger *logging.Logger) *Manager {
	if store == nil {
		panic("booking: appointment store required")
	}
	if cat == nil {
		panic("booking: service catalog required")
	}
	if windows == nil {
		panic("booking: window validator required")
	}
	if locker == nil {
		panic("booking: locker required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if policy.LockTimeout <= 0 {
		policy.LockTimeout = 3 * time.Second
	}
	if policy.LockRetries <= 0 {
		policy.LockRetries = 3
	}
	if policy.LockRetryBaseDelay <= 0 {
		policy.LockRetryBaseDelay = 100 * time.Millisecond
	}
	return &Manager{
		store:   store,
		catalog: cat,
		windows: windows,
		locker:  locker,
		clk:     clk,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// CreateInput is a booking request.
type CreateInput struct {
	ClientID   uuid.UUID
	StaffID    uuid.UUID
	StartTime  time.Time
	ServiceIDs []uuid.UUID
}

// CreateAppointment validates the slot under the staff lock and inserts the
// appointment in PENDING_PAYMENT. Payment initiation and notifications are
// the caller's concern; nothing else happens here.
func (m *Manager) CreateAppointment(ctx context.Context, in CreateInput) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("zenzspa.client_id", in.ClientID.String()),
		attribute.String("zenzspa.staff_id", in.StaffID.String()),
	)

	// Standing checks need no lock; they are advisory and re-checked by cap
	// at worst one appointment late.
	blocked, err := m.store.ClientBlocked(ctx, in.ClientID)
	if err != nil {
		return nil, err
	}
	if blocked {
		m.metrics.ObserveBooking("client_blocked")
		return nil, appointments.ErrClientBlocked
	}
	active, err := m.store.CountActiveByClient(ctx, in.ClientID)
	if err != nil {
		return nil, err
	}
	if active >= m.policy.MaxActiveAppointments {
		m.metrics.ObserveBooking("too_many_active")
		return nil, appointments.ErrTooManyActive
	}

	services, err := m.catalog.GetServices(ctx, in.ServiceIDs)
	if err != nil {
		return nil, err
	}
	total := catalog.TotalDuration(services)
	price := catalog.TotalPriceCents(services)

	release, err := m.acquireStaffLock(ctx, in.StaffID)
	if err != nil {
		m.metrics.ObserveBooking("lock_timeout")
		return nil, err
	}
	// Inside a caller-managed transaction the insert stays invisible to
	// other sessions until commit, so the lock must outlive this call.
	if !storage.AfterSettle(ctx, release) {
		defer release()
	}

	// Revalidate against current data: the availability view the client
	// booked from may be stale by now.
	if err := m.validateWindowLocked(ctx, in.StaffID, in.StartTime, total, uuid.Nil); err != nil {
		if errors.Is(err, appointments.ErrSlotConflict) {
			m.metrics.ObserveBooking("slot_conflict")
		}
		return nil, err
	}

	now := m.clk.Now()
	appt := &appointments.Appointment{
		ID:                   uuid.New(),
		ClientID:             in.ClientID,
		StaffID:              in.StaffID,
		ServiceIDs:           in.ServiceIDs,
		StartTime:            in.StartTime,
		EndTime:              in.StartTime.Add(total),
		Status:               appointments.StatusPendingPayment,
		CancellationOutcome:  appointments.OutcomeNone,
		PriceAtPurchaseCents: price,
		PaymentDeadline:      now.Add(m.policy.PaymentDeadline),
	}
	if err := m.store.Create(ctx, appt); err != nil {
		return nil, err
	}

	m.metrics.ObserveBooking("created")
	m.logger.Info("appointment created",
		"appointment_id", appt.ID,
		"staff_id", appt.StaffID,
		"start_time", appt.StartTime,
		"price_cents", appt.PriceAtPurchaseCents,
	)
	return appt, nil
}

// ValidateSlot re-runs the booking validation for an existing appointment's
// new window. Used by reschedules; exclude skips the appointment itself in
// the overlap check.
func (m *Manager) ValidateSlot(ctx context.Context, staffID uuid.UUID, start, end time.Time, exclude uuid.UUID) error {
	release, err := m.acquireStaffLock(ctx, staffID)
	if err != nil {
		return err
	}
	// A reschedule validates inside its transition's open transaction; the
	// moved window only becomes visible at commit, so hold the lock until then.
	if !storage.AfterSettle(ctx, release) {
		defer release()
	}

	return m.validateWindowLocked(ctx, staffID, start, end.Sub(start), exclude)
}

func (m *Manager) validateWindowLocked(ctx context.Context, staffID uuid.UUID, start time.Time, total time.Duration, exclude uuid.UUID) error {
	if err := m.windows.ValidateWindow(ctx, staffID, start, total); err != nil {
		return err
	}
	end := start.Add(total)
	conflict, err := m.store.HasOverlap(ctx, staffID, start.Add(-m.policy.Buffer), end.Add(m.policy.Buffer), exclude)
	if err != nil {
		return err
	}
	if conflict {
		return appointments.ErrSlotConflict
	}
	return nil
}

// acquireStaffLock takes the per-staff lock with bounded retries. The lock
// section stays short: validation and insert only, no external I/O.
func (m *Manager) acquireStaffLock(ctx context.Context, staffID uuid.UUID) (func(), error) {
	var lastErr error
	for attempt := 0; attempt < m.policy.LockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.policy.LockRetryBaseDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		release, err := m.locker.Acquire(ctx, "staff:"+staffID.String(), m.policy.LockTimeout)
		if err == nil {
			return release, nil
		}
		lastErr = err
		if !errors.Is(err, locks.ErrTimeout) {
			return nil, err
		}
	}
	if errors.Is(lastErr, locks.ErrTimeout) {
		return nil, appointments.ErrResourceLocked
	}
	return nil, lastErr
}
