package firedoc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector receives operation and subscription telemetry from a DB.
type MetricsCollector interface {
	// ObserveOperation is called once per finished operation; code is the
	// error code ("" on success, "client" for code-less failures).
	ObserveOperation(op string, d time.Duration, code string)
	SubscriptionOpened(kind string)
	SubscriptionEnded(kind string, state SubscriptionState)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, time.Duration, string) {}
func (nopMetrics) SubscriptionOpened(string)                      {}
func (nopMetrics) SubscriptionEnded(string, SubscriptionState)    {}

const (
	namespace = "firedoc"
)

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	operations          *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeSubscriptions *prometheus.GaugeVec
	endedSubscriptions  *prometheus.CounterVec
}

// NewPrometheusMetrics registers the firedoc collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of document store operations by outcome",
			},
			[]string{"op", "code"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of document store operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		activeSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions_active",
				Help:      "Number of open subscriptions",
			},
			[]string{"kind"},
		),
		endedSubscriptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_ended_total",
				Help:      "Total number of ended subscriptions by final state",
			},
			[]string{"kind", "state"},
		),
	}
}

func (p *PrometheusMetrics) ObserveOperation(op string, d time.Duration, code string) {
	if code == "" {
		code = "ok"
	}
	p.operations.WithLabelValues(op, code).Inc()
	p.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *PrometheusMetrics) SubscriptionOpened(kind string) {
	p.activeSubscriptions.WithLabelValues(kind).Inc()
}

func (p *PrometheusMetrics) SubscriptionEnded(kind string, state SubscriptionState) {
	p.activeSubscriptions.WithLabelValues(kind).Dec()
	p.endedSubscriptions.WithLabelValues(kind, string(state)).Inc()
}
