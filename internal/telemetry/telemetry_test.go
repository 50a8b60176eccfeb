package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.ObservePoll("nodes", true, time.Second)
	collector.SetNodeCounts(1, 1, 0)
	collector.AddMarkerOps(1, 0, 0)
	collector.IncLogLine("client")
	collector.IncAction("select", "ok")
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var p *PrometheusCollector
	p.ObservePoll("nodes", false, 0)
	p.SetNodeCounts(1, 2, 3)
	p.AddMarkerOps(1, 2, 3)
	p.IncLogLine("server")
	p.IncAction("select", "ok")
}

func TestPrometheusCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObservePoll("nodes", true, 20*time.Millisecond)
	collector.ObservePoll("nodes", false, time.Second)
	collector.SetNodeCounts(5, 3, 1)
	collector.AddMarkerOps(2, 1, 0)
	collector.AddMarkerOps(0, 0, 1)
	collector.IncLogLine("client")

	families := gather(t, reg)

	polls := families["meshspy_dashboard_polls_total"]
	require.NotNil(t, polls)
	require.Len(t, polls.Metric, 2)

	nodes := families["meshspy_dashboard_nodes"]
	require.NotNil(t, nodes)
	require.Equal(t, 5.0, valueWithLabel(t, nodes, "kind", "total"))
	require.Equal(t, 3.0, valueWithLabel(t, nodes, "kind", "positioned"))
	require.Equal(t, 1.0, valueWithLabel(t, nodes, "kind", "offline"))

	ops := families["meshspy_dashboard_marker_operations_total"]
	require.NotNil(t, ops)
	require.Equal(t, 2.0, valueWithLabel(t, ops, "op", "create"))
	require.Equal(t, 1.0, valueWithLabel(t, ops, "op", "move"))
	require.Equal(t, 1.0, valueWithLabel(t, ops, "op", "remove"))
}

func TestPrometheusCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.logLines, again.logLines)

	first.IncLogLine("server")
	again.IncLogLine("server")

	lines := gather(t, reg)["meshspy_dashboard_log_lines_total"]
	require.NotNil(t, lines)
	require.Equal(t, 2.0, valueWithLabel(t, lines, "origin", "server"))
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func valueWithLabel(t *testing.T, mf *dto.MetricFamily, name, value string) float64 {
	t.Helper()
	for _, m := range mf.Metric {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				if m.Counter != nil {
					return m.Counter.GetValue()
				}
				return m.Gauge.GetValue()
			}
		}
	}
	t.Fatalf("no sample with %s=%s in %s", name, value, mf.GetName())
	return 0
}
