// Package metrics instruments the distributed query client with Prometheus
// counters and histograms. Registration happens against a caller-supplied
// prometheus.Registerer instead of the global default registry, so tests
// that construct multiple clients never hit a "duplicate metrics
// collector registration attempted" panic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics instruments one queryclient.Client: how many leader
// requests were issued, broken down by the RequestStatus they resolved
// to, and how long each leader request took.
type ClientMetrics struct {
	leaderRequests *prometheus.CounterVec
	leaderLatency  *prometheus.HistogramVec
}

// NewClientMetrics builds and registers the client's collectors against
// reg. Pass prometheus.NewRegistry() in tests to keep each client's
// metrics isolated; pass prometheus.DefaultRegisterer-backed registry in
// production so /metrics exposes them process-wide.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		leaderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricfed_leader_requests_total",
			Help: "Total leader requests issued by the query client, labeled by resolved status.",
		}, []string{"status"}),
		leaderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metricfed_leader_request_duration_seconds",
			Help:    "Leader request latency, labeled by resolved status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
	}
	reg.MustRegister(m.leaderRequests, m.leaderLatency)
	return m
}

// ObserveLeaderRequest records one leader request's outcome and duration.
// status is the RequestStatus.String() rendering — this package does not
// import queryclient to avoid a dependency cycle (queryclient imports
// metrics, not the other way around), so it accepts the label pre-rendered.
func (m *ClientMetrics) ObserveLeaderRequest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.leaderRequests.WithLabelValues(status).Inc()
	m.leaderLatency.WithLabelValues(status).Observe(d.Seconds())
}
