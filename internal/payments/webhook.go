package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// WebhookHandler receives gateway payment notifications over HTTP and feeds
// them to the coordinator. Transport concerns only; verification and
// idempotency live in the coordinator.
type WebhookHandler struct {
	coordinator *Coordinator
	logger      *logging.Logger
}

// NewWebhookHandler constructs the HTTP handler for the payment webhook.
func NewWebhookHandler(coordinator *Coordinator, logger *logging.Logger) *WebhookHandler {
	if coordinator == nil {
		panic("payments: coordinator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{coordinator: coordinator, logger: logger}
}

type gatewayEventPayload struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_in_cents"`
	Signature   string `json:"signature"`
}

// Handle processes one webhook delivery. Response codes tell the gateway
// whether to redeliver: 2xx never, 5xx yes. Duplicates answer 200 so
// redeliveries of processed events stop.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	var body gatewayEventPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		h.logger.Error("failed to decode payment event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Reference == "" {
		http.Error(w, "missing reference", http.StatusBadRequest)
		return
	}

	result, err := h.coordinator.ProcessGatewayEvent(r.Context(), GatewayEvent{
		GatewayReference: body.Reference,
		Status:           PaymentStatus(body.Status),
		AmountCents:      body.AmountCents,
		Signature:        body.Signature,
	})
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case result == ResultInvalid:
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	case result == ResultConflict:
		// Acknowledged so the gateway stops retrying; the mismatch is
		// already logged and the record kept for reconciliation.
		writeJSON(w, map[string]string{"result": string(ResultConflict)})
		return
	case err != nil:
		h.logger.Error("payment event processing failed", "error", err, "reference", body.Reference)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"result": string(result)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
