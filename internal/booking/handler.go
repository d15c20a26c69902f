package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/catalog"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/payments"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// IdempotencyRunner guards a request by client-chosen key, replaying the
// stored result for retries of the same payload.
type IdempotencyRunner interface {
	RunIdempotent(ctx context.Context, key string, payload []byte, fn func(ctx context.Context) (string, error)) (string, bool, error)
}

// CheckoutStarter initiates the gateway payment for a fresh appointment.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, appointmentID uuid.UUID, amountCents int64) (*payments.CheckoutData, error)
}

// Handler serves appointment creation over HTTP.
type Handler struct {
	manager  *Manager
	idem     IdempotencyRunner
	checkout CheckoutStarter
	logger   *logging.Logger
}

// NewHandler constructs the booking handler. idem may be nil, in which case
// the Idempotency-Key header is ignored; checkout may be nil, in which case
// responses carry no payment link.
func NewHandler(manager *Manager, idem IdempotencyRunner, checkout CheckoutStarter, logger *logging.Logger) *Handler {
	if manager == nil {
		panic("booking: manager required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{manager: manager, idem: idem, checkout: checkout, logger: logger}
}

type createRequest struct {
	ClientID   uuid.UUID   `json:"client_id"`
	StaffID    uuid.UUID   `json:"staff_id"`
	StartTime  time.Time   `json:"start_time"`
	ServiceIDs []uuid.UUID `json:"service_ids"`
}

type createResponse struct {
	AppointmentID    string    `json:"appointment_id"`
	Status           string    `json:"status"`
	PriceCents       int64     `json:"price_cents"`
	PaymentDeadline  time.Time `json:"payment_deadline"`
	CheckoutURL      string    `json:"checkout_url,omitempty"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	Replayed         bool      `json:"replayed,omitempty"`
}

// Create handles POST /api/v1/appointments. With an Idempotency-Key header
// the request is executed at most once per key; a retry with the same key
// and body returns the original appointment id.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.ClientID == uuid.Nil || req.StaffID == uuid.Nil || len(req.ServiceIDs) == 0 {
		http.Error(w, "client_id, staff_id and service_ids are required", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if h.idem == nil || key == "" {
		appt, err := h.manager.CreateAppointment(r.Context(), CreateInput{
			ClientID:   req.ClientID,
			StaffID:    req.StaffID,
			StartTime:  req.StartTime,
			ServiceIDs: req.ServiceIDs,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeCreated(w, appt, h.startCheckout(r.Context(), appt), false)
		return
	}

	var created *appointments.Appointment
	result, replayed, err := h.idem.RunIdempotent(r.Context(), key, body, func(ctx context.Context) (string, error) {
		appt, err := h.manager.CreateAppointment(ctx, CreateInput{
			ClientID:   req.ClientID,
			StaffID:    req.StaffID,
			StartTime:  req.StartTime,
			ServiceIDs: req.ServiceIDs,
		})
		if err != nil {
			return "", err
		}
		created = appt
		return appt.ID.String(), nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if replayed {
		// The stored result is the appointment id; the booking details are
		// already in the client's hands from the original response.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(createResponse{AppointmentID: result, Replayed: true})
		return
	}
	h.writeCreated(w, created, h.startCheckout(r.Context(), created), false)
}

// startCheckout is best effort: a gateway outage must not lose the booking,
// so failures leave the response without a payment link and the appointment
// expires through the normal deadline if the client never pays.
func (h *Handler) startCheckout(ctx context.Context, appt *appointments.Appointment) *payments.CheckoutData {
	if h.checkout == nil {
		return nil
	}
	data, err := h.checkout.StartCheckout(ctx, appt.ID, appt.OutstandingCents())
	if err != nil {
		h.logger.Error("checkout initiation failed", "error", err, "appointment_id", appt.ID)
		return nil
	}
	return data
}

func (h *Handler) writeCreated(w http.ResponseWriter, appt *appointments.Appointment, checkout *payments.CheckoutData, replayed bool) {
	resp := createResponse{
		AppointmentID:   appt.ID.String(),
		Status:          string(appt.Status),
		PriceCents:      appt.PriceAtPurchaseCents,
		PaymentDeadline: appt.PaymentDeadline,
		Replayed:        replayed,
	}
	if checkout != nil {
		resp.CheckoutURL = checkout.CheckoutURL
		resp.PaymentReference = checkout.GatewayReference
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointments.ErrSlotConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, payments.ErrIdempotencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appointments.ErrResourceLocked):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, appointments.ErrPolicyViolation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, appointments.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrServiceNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("appointment creation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
