package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of a relay. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	activeLinks    prometheus.Gauge
	upgradedLinks  prometheus.Counter
	prunedLinks    prometheus.Counter
	handshakes     *prometheus.CounterVec
	forwardedBytes prometheus.Counter
	pingLatency    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "links_active",
			Help:      "Relayed links currently occupying a relay slot.",
		}),
		upgradedLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "links_upgraded_total",
			Help:      "Links whose endpoints migrated to a direct channel.",
		}),
		prunedLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "links_pruned_total",
			Help:      "Links removed because neither end answered a ping.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "handshakes_total",
			Help:      "Relay handshakes by response code.",
		}, []string{"response"}),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "forwarded_bytes_total",
			Help:      "Bytes of payload and signalling frames forwarded.",
		}),
		pingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "ping_latency_seconds",
			Help:      "Latency of answered liveness probes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.activeLinks, m.upgradedLinks, m.prunedLinks, m.handshakes, m.forwardedBytes, m.pingLatency)
	}
	return m
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.activeLinks.Set(float64(n))
	}
}

func (m *Metrics) addUpgraded() {
	if m != nil {
		m.upgradedLinks.Inc()
	}
}

func (m *Metrics) addPruned(n int) {
	if m != nil {
		m.prunedLinks.Add(float64(n))
	}
}

func (m *Metrics) addHandshake(r Response) {
	if m != nil {
		m.handshakes.WithLabelValues(r.String()).Inc()
	}
}

func (m *Metrics) addForwarded(n int) {
	if m != nil {
		m.forwardedBytes.Add(float64(n))
	}
}

func (m *Metrics) observePing(d time.Duration) {
	if m != nil {
		m.pingLatency.Observe(d.Seconds())
	}
}
