package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

var tracer = otel.Tracer("zenzspa.internal.payments")

// Result classifies what processing a gateway event did.
type Result string

const (
	// ResultApplied means this event's effects ran, exactly once, in this call.
	ResultApplied Result = "applied"
	// ResultDuplicate means the event was already processed (or is being
	// processed right now); nothing ran.
	ResultDuplicate Result = "duplicate"
	// ResultConflict means the reference was seen before with a different
	// payload, or the payment no longer matches a payable appointment.
	ResultConflict Result = "conflict"
	// ResultInvalid means the event failed verification and was discarded.
	ResultInvalid Result = "invalid"
)

// GatewayEvent is a payment notification after transport decoding. Signature
// is the gateway's hex HMAC over the reference, status and amount.
type GatewayEvent struct {
	GatewayReference string
	Status           PaymentStatus
	AmountCents      int64
	Signature        string
}

// PaymentApplier is the state-machine surface the coordinator drives.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, id uuid.UUID, amountCents int64, source string) (*appointments.Appointment, error)
}

// Coordinator turns at-least-once gateway webhooks into exactly-once
// appointment effects. Verification happens before any read or write; the
// idempotency claim, payment finalization and state transition share one
// transaction, so a crash at any point leaves either everything or nothing.
type Coordinator struct {
	records *Repository
	idem    *IdempotencyStore
	machine PaymentApplier
	secret  []byte
	clk     clock.Clock
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

// NewCoordinator constructs a coordinator. secret is the shared webhook
// signing key; an empty secret refuses every event rather than skipping
// verification.
func NewCoordinator(records *Repository, idem *IdempotencyStore, machine PaymentApplier, secret string, clk clock.Clock, m *metrics.BookingMetrics, logger *logging.Logger) *Coordinator {
	if records == nil {
		panic("payments: repository required")
	}
	if idem == nil {
		panic("payments: idempotency store required")
	}
	if machine == nil {
		panic("payments: payment applier required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		records: records,
		idem:    idem,
		machine: machine,
		secret:  []byte(secret),
		clk:     clk,
		metrics: m,
		logger:  logger.With("component", "payment_coordinator"),
	}
}

// SignEvent computes the expected signature for an event. Exported for the
// test harness and for the sandbox gateway simulator.
func SignEvent(secret []byte, gatewayReference string, status PaymentStatus, amountCents int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d", gatewayReference, status, amountCents)
	return hex.EncodeToString(mac.Sum(nil))
}

// ProcessGatewayEvent applies one webhook delivery. The returned error is
// non-nil only for ResultInvalid and ResultConflict, and for transient
// failures where the gateway should redeliver.
func (c *Coordinator) ProcessGatewayEvent(ctx context.Context, evt GatewayEvent) (Result, error) {
	ctx, span := tracer.Start(ctx, "payments.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("zenzspa.gateway_reference", evt.GatewayReference),
		attribute.String("zenzspa.payment_status", string(evt.Status)),
	)

	if err := c.verify(evt); err != nil {
		c.metrics.ObservePaymentEvent(string(ResultInvalid))
		c.logger.Warn("rejected unsigned payment event", "gateway_reference", evt.GatewayReference)
		return ResultInvalid, err
	}
	if !evt.Status.Terminal() {
		c.metrics.ObservePaymentEvent(string(ResultInvalid))
		return ResultInvalid, fmt.Errorf("payments: event with non-terminal status %s", evt.Status)
	}

	fingerprint := Fingerprint([]byte(fmt.Sprintf("%s|%s|%d", evt.GatewayReference, evt.Status, evt.AmountCents)))

	result := ResultApplied
	err := c.records.WithTx(ctx, func(ctx context.Context) error {
		outcome, rec, err := c.idem.Begin(ctx, ScopeWebhook, evt.GatewayReference, fingerprint, c.clk.Now())
		if err != nil {
			return err
		}
		switch outcome {
		case BeginInProgress:
			// A concurrent delivery of the same event owns the key. Its
			// outcome will be identical to ours, so this delivery is done.
			result = ResultDuplicate
			return nil
		case BeginCompleted:
			if rec.Fingerprint != fingerprint {
				result = ResultConflict
				return nil
			}
			result = ResultDuplicate
			return nil
		}

		res, err := c.apply(ctx, evt)
		if err != nil {
			return err
		}
		result = res
		return c.idem.Complete(ctx, ScopeWebhook, evt.GatewayReference, string(res))
	})
	if err != nil {
		c.metrics.ObservePaymentEvent("error")
		return "", err
	}

	c.metrics.ObservePaymentEvent(string(result))
	switch result {
	case ResultConflict:
		c.logger.Warn("conflicting payment event", "gateway_reference", evt.GatewayReference)
		return ResultConflict, ErrIdempotencyConflict
	case ResultDuplicate:
		c.logger.Info("duplicate payment event", "gateway_reference", evt.GatewayReference)
	}
	return result, nil
}

// apply runs the first-sighting effects inside the caller's transaction.
func (c *Coordinator) apply(ctx context.Context, evt GatewayEvent) (Result, error) {
	rec, err := c.records.Finalize(ctx, evt.GatewayReference, evt.Status)
	if err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			// Finalized outside the idempotency layer (manual intervention).
			return ResultConflict, nil
		}
		if errors.Is(err, ErrRecordNotFound) {
			// A signed event for a reference we never issued.
			return ResultConflict, nil
		}
		return "", err
	}

	if rec.Status != PaymentApproved || rec.AppointmentID == nil {
		// Declined and errored payments keep the appointment in
		// PENDING_PAYMENT; the deadline sweep releases the slot.
		return ResultApplied, nil
	}

	_, err = c.machine.ApplyPayment(ctx, *rec.AppointmentID, evt.AmountCents, "gateway")
	if err != nil {
		if errors.Is(err, appointments.ErrInvalidTransition) || errors.Is(err, appointments.ErrNotFound) {
			// Approved money with no payable appointment, usually a payment
			// that landed after expiration. Keep the finalized record for
			// reconciliation and report the mismatch.
			c.logger.Error("approved payment has no payable appointment",
				"gateway_reference", evt.GatewayReference,
				"appointment_id", rec.AppointmentID,
				"error", err,
			)
			return ResultConflict, nil
		}
		return "", err
	}
	return ResultApplied, nil
}

func (c *Coordinator) verify(evt GatewayEvent) error {
	if len(c.secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrSignatureInvalid)
	}
	want := SignEvent(c.secret, evt.GatewayReference, evt.Status, evt.AmountCents)
	if !hmac.Equal([]byte(want), []byte(evt.Signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// RunIdempotent guards an arbitrary client-scoped operation with an
// idempotency key. fn runs at most once per key; replays return the stored
// result, and a reused key with a different payload fails with
// ErrIdempotencyConflict. Key contention surfaces as ErrResourceLocked so
// clients retry instead of double-submitting.
func (c *Coordinator) RunIdempotent(ctx context.Context, key string, payload []byte, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	fingerprint := Fingerprint(payload)

	var result string
	replayed := false
	err := c.records.WithTx(ctx, func(ctx context.Context) error {
		outcome, rec, err := c.idem.Begin(ctx, ScopeClientRequest, key, fingerprint, c.clk.Now())
		if err != nil {
			return err
		}
		switch outcome {
		case BeginInProgress:
			return appointments.ErrResourceLocked
		case BeginCompleted:
			if rec.Fingerprint != fingerprint {
				return ErrIdempotencyConflict
			}
			result = rec.Result
			replayed = true
			return nil
		}

		result, err = fn(ctx)
		if err != nil {
			return err
		}
		return c.idem.Complete(ctx, ScopeClientRequest, key, result)
	})
	if err != nil {
		return "", false, err
	}
	return result, replayed, nil
}
