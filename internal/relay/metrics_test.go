package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// metricValue returns the value of the counter or gauge name whose labels
// include the given value, or of its only sample when no value is given.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labelValue ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if len(labelValue) > 0 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetValue() == labelValue[0] {
						found = true
					}
				}
				if !found {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.setActive(3)
	m.addUpgraded()
	m.addPruned(1)
	m.addHandshake(ResponseOk)
	m.addForwarded(10)
	m.observePing(0)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.setActive(2)
	m.addHandshake(ResponseOk)
	m.addHandshake(ResponseFailRelayFull)
	m.addHandshake(ResponseFailRelayFull)
	m.addForwarded(128)

	require.Equal(t, 2.0, metricValue(t, reg, "relay_links_active"))
	require.Equal(t, 1.0, metricValue(t, reg, "relay_handshakes_total", "OK"))
	require.Equal(t, 2.0, metricValue(t, reg, "relay_handshakes_total", "FAIL_RELAY_FULL"))
	require.Equal(t, 128.0, metricValue(t, reg, "relay_forwarded_bytes_total"))
}
