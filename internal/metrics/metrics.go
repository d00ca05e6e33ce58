package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

const namespace = "smarttrolley"

// Metrics holds the collectors of the trolley service on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	paymentsSettled prometheus.Counter
	reconciled      prometheus.Counter
	gateWait        prometheus.Histogram
	eventsPublished *prometheus.CounterVec
	receiptsStored  *prometheus.CounterVec
}

func New(service string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "sessions_started_total",
			Help:      "Sessions bound to a trolley.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "sessions_ended_total",
			Help:      "Sessions terminated, by reason.",
		}, []string{"reason"}),
		paymentsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "payments_settled_total",
			Help:      "Payments confirmed and settled.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "settlements_reconciled_total",
			Help:      "Settlements finished by the reconciliation path.",
		}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "trolley_lock_wait_seconds",
			Help:      "Time spent waiting for a trolley lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "outbox_events_published_total",
			Help:      "Outbox events handed to kafka, by type and result.",
		}, []string{"event_type", "result"}),
		receiptsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "receipts_stored_total",
			Help:      "Settlement events turned into receipts, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.Requests, m.LatencyMS,
		m.sessionsStarted, m.sessionsEnded, m.paymentsSettled, m.reconciled,
		m.gateWait, m.eventsPublished, m.receiptsStored,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionEnded(reason domain.EndReason) {
	m.sessionsEnded.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) PaymentSettled() {
	m.paymentsSettled.Inc()
}

func (m *Metrics) SettlementReconciled() {
	m.reconciled.Inc()
}

// ObserveGateWait matches gate.WithWaitObserver. The key is not used as a label
// to keep cardinality bounded by the fleet size.
func (m *Metrics) ObserveGateWait(_ string, waited time.Duration) {
	m.gateWait.Observe(waited.Seconds())
}

func (m *Metrics) EventPublished(eventType string, err error) {
	m.eventsPublished.WithLabelValues(eventType, result(err)).Inc()
}

func (m *Metrics) ReceiptStored(outcome string) {
	m.receiptsStored.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
