package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking core.
type BookingMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	sweepReleased    prometheus.Counter
	slotLatency      prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zenzspa",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zenzspa",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Appointment state transitions by target status",
		}, []string{"to", "outcome"}),
		paymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zenzspa",
			Subsystem: "payments",
			Name:      "gateway_events_total",
			Help:      "Gateway payment events by result",
		}, []string{"result"}),
		sweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zenzspa",
			Subsystem: "appointments",
			Name:      "expired_released_total",
			Help:      "Unpaid appointments released by the expiration sweep",
		}),
		slotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zenzspa",
			Subsystem: "scheduling",
			Name:      "slot_compute_seconds",
			Help:      "Latency of availability computation",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.paymentEvents, m.sweepReleased, m.slotLatency)
	return m
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func (m *BookingMetrics) ObservePaymentEvent(result string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveSweepReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepReleased.Add(float64(n))
}

func (m *BookingMetrics) ObserveSlotLatency(seconds float64) {
	if m == nil {
		return
	}
	m.slotLatency.Observe(seconds)
}
