package telemetry

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds the Prometheus instruments for the request gate, the
// generation endpoints and billing webhooks. A nil *Metrics records nothing.
type Metrics struct {
	gateDecisions     *prometheus.CounterVec
	usageRecords      *prometheus.CounterVec
	generations       *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
	webhookEvents     *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptdeck",
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Gate decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		usageRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptdeck",
				Subsystem: "gate",
				Name:      "usage_records_total",
				Help:      "Free-quota usage recordings by result",
			},
			[]string{"result"},
		),
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptdeck",
				Subsystem: "generation",
				Name:      "requests_total",
				Help:      "Generation requests by capability, provider and result",
			},
			[]string{"capability", "provider", "result"},
		),
		generationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "promptdeck",
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Provider call latency by capability",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"capability"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "promptdeck",
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Billing webhook events by type and result",
			},
			[]string{"type", "result"},
		),
	}

	reg.MustRegister(
		m.gateDecisions,
		m.usageRecords,
		m.generations,
		m.generationLatency,
		m.webhookEvents,
	)

	return m
}

func (m *Metrics) RecordGateDecision(outcome, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.gateDecisions.WithLabelValues(sanitizeLabel(outcome), sanitizeLabel(reason)).Inc()
}

// RecordUsage counts a usage recording; result is "ok" or "lost".
func (m *Metrics) RecordUsage(result string) {
	if m == nil {
		return
	}
	m.usageRecords.WithLabelValues(sanitizeLabel(result)).Inc()
}

func (m *Metrics) RecordGeneration(capability, provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(sanitizeLabel(capability), sanitizeLabel(provider), sanitizeLabel(result)).Inc()
	m.generationLatency.WithLabelValues(sanitizeLabel(capability)).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(sanitizeLabel(eventType), sanitizeLabel(result)).Inc()
}
