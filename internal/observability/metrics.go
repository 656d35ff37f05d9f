package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ctibridge"

// Metrics holds the process counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transportRequests *prometheus.CounterVec
	transportRetries  *prometheus.CounterVec
	bundlesSent       *prometheus.CounterVec
	reconcileActions  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid the global registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transportRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests by client, method and response status.",
		}, []string{"client", "method", "status"}),
		transportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Outbound HTTP requests retried after a transient failure.",
		}, []string{"client"}),
		bundlesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bundles_sent_total",
			Help:      "Bundles submitted to the platform by connector.",
		}, []string{"connector"}),
		reconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_actions_total",
			Help:      "Remote indicator reconciliation actions by action and outcome.",
		}, []string{"action", "outcome"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.transportRequests, m.transportRetries, m.bundlesSent, m.reconcileActions}
}

// ObserveRequest counts one completed request. A status of 0 means the request
// failed before a response was received.
func (m *Metrics) ObserveRequest(client, method string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.transportRequests.WithLabelValues(client, method, label).Inc()
}

// ObserveRetry counts one retry.
func (m *Metrics) ObserveRetry(client string) {
	if m == nil {
		return
	}
	m.transportRetries.WithLabelValues(client).Inc()
}

// ObserveBundle counts one submitted bundle.
func (m *Metrics) ObserveBundle(connector string) {
	if m == nil {
		return
	}
	m.bundlesSent.WithLabelValues(connector).Inc()
}

// ObserveReconcile counts one reconciliation action.
func (m *Metrics) ObserveReconcile(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.reconcileActions.WithLabelValues(action, outcome).Inc()
}

// RequestCount returns the request counter for one label set, for use with
// prometheus/testutil.
func (m *Metrics) RequestCount(client, method, status string) prometheus.Counter {
	return m.transportRequests.WithLabelValues(client, method, status)
}

// RetryCount returns the retry counter for a client.
func (m *Metrics) RetryCount(client string) prometheus.Counter {
	return m.transportRetries.WithLabelValues(client)
}

// BundleCount returns the bundle counter for a connector.
func (m *Metrics) BundleCount(connector string) prometheus.Counter {
	return m.bundlesSent.WithLabelValues(connector)
}

// ReconcileCount returns the reconciliation counter for an action and outcome.
func (m *Metrics) ReconcileCount(action, outcome string) prometheus.Counter {
	return m.reconcileActions.WithLabelValues(action, outcome)
}
