package scheduling

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/catalog"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// Handler serves the availability query over HTTP.
type Handler struct {
	calc   *Calculator
	loc    *time.Location
	logger *logging.Logger
}

// NewHandler constructs the availability handler. Dates in requests are
// interpreted in loc, the business timezone.
func NewHandler(calc *Calculator, loc *time.Location, logger *logging.Logger) *Handler {
	if calc == nil {
		panic("scheduling: calculator required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{calc: calc, loc: loc, logger: logger}
}

// Availability handles GET /api/v1/availability?date=2026-03-10&services=a,b&staff_id=c.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	date, err := time.ParseInLocation("2006-01-02", q.Get("date"), h.loc)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	var serviceIDs []uuid.UUID
	for _, raw := range strings.Split(q.Get("services"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid service id", http.StatusBadRequest)
			return
		}
		serviceIDs = append(serviceIDs, id)
	}
	if len(serviceIDs) == 0 {
		http.Error(w, "at least one service is required", http.StatusBadRequest)
		return
	}

	var staffID *uuid.UUID
	if raw := q.Get("staff_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid staff id", http.StatusBadRequest)
			return
		}
		staffID = &id
	}

	slots, err := h.calc.ComputeSlots(r.Context(), date, serviceIDs, staffID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrServiceNotFound), errors.Is(err, catalog.ErrStaffNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			h.logger.Error("availability query failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if slots == nil {
		slots = []Slot{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"slots": slots})
}
