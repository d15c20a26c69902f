package appointments

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// ExpiredLister finds unpaid appointments past their payment deadline.
type ExpiredLister interface {
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// IdempotencyPurger garbage-collects idempotency records past retention.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper is the out-of-band loop that releases unpaid slots and purges old
// idempotency records. Each expiration goes through the state machine, which
// takes the per-appointment lock, so the sweep never races a concurrent
// payment confirmation.
type Sweeper struct {
	machine   *StateMachine
	lister    ExpiredLister
	purger    IdempotencyPurger
	clk       clock.Clock
	interval  time.Duration
	batchSize int
	metrics   *metrics.BookingMetrics
	logger    *logging.Logger
}

// NewSweeper constructs a sweeper. purger may be nil.
func NewSweeper(machine *StateMachine, lister ExpiredLister, purger IdempotencyPurger, clk clock.Clock, interval time.Duration, m *metrics.BookingMetrics, logger *logging.Logger) *Sweeper {
	if machine == nil {
		panic("appointments: state machine required")
	}
	if lister == nil {
		panic("appointments: expired lister required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		machine:   machine,
		lister:    lister,
		purger:    purger,
		clk:       clk,
		interval:  interval,
		batchSize: 100,
		metrics:   m,
		logger:    logger.With("component", "sweeper"),
	}
}

// Run blocks sweeping on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiration sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns how many appointments it released.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.clk.Now()

	ids, err := s.lister.ListExpiredPending(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("list expired appointments failed", "error", err)
		return 0
	}

	released := 0
	for _, id := range ids {
		expired, err := s.machine.ExpireIfUnpaid(ctx, id)
		if err != nil {
			// Lock contention here usually means a payment is landing right
			// now; the next pass will see the final status.
			s.logger.Warn("expire failed", "error", err, "appointment_id", id)
			continue
		}
		if expired {
			released++
		}
	}
	if released > 0 {
		s.metrics.ObserveSweepReleased(released)
		s.logger.Info("released unpaid appointments", "count", released)
	}

	if s.purger != nil {
		purged, err := s.purger.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Error("idempotency purge failed", "error", err)
		} else if purged > 0 {
			s.logger.Info("purged idempotency records", "count", purged)
		}
	}
	return released
}
