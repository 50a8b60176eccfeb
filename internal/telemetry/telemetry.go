package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshspy_dashboard"

// Collector captures telemetry events emitted by the dashboard.
//
// Hooks run inline with polls, reconciliations and log appends, so
// implementations should be inexpensive to call.
type Collector interface {
	ObservePoll(resource string, ok bool, d time.Duration)
	SetNodeCounts(total, positioned, offline int)
	AddMarkerOps(created, moved, removed int)
	IncLogLine(origin string)
	IncAction(action, outcome string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObservePoll(string, bool, time.Duration) {}
func (noopCollector) SetNodeCounts(int, int, int)             {}
func (noopCollector) AddMarkerOps(int, int, int)              {}
func (noopCollector) IncLogLine(string)                       {}
func (noopCollector) IncAction(string, string)                {}

// PrometheusCollector exposes dashboard metrics via Prometheus.
type PrometheusCollector struct {
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	nodes        *prometheus.GaugeVec
	markerOps    *prometheus.CounterVec
	logLines     *prometheus.CounterVec
	actions      *prometheus.CounterVec
}

// NewPrometheusCollector registers the dashboard metrics with reg. Metrics
// already registered by an earlier collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	polls, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Backend polls per resource and result.",
	}, []string{"resource", "result"}))
	if err != nil {
		return nil, err
	}
	pollDuration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Duration of backend polls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resource"}))
	if err != nil {
		return nil, err
	}
	nodes, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes",
		Help:      "Nodes in the last successful poll.",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	markerOps, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "marker_operations_total",
		Help:      "Map marker operations applied by reconciliation.",
	}, []string{"op"}))
	if err != nil {
		return nil, err
	}
	logLines, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_lines_total",
		Help:      "Lines appended to the log tail per origin.",
	}, []string{"origin"}))
	if err != nil {
		return nil, err
	}
	actions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "User actions per outcome.",
	}, []string{"action", "outcome"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		polls:        polls,
		pollDuration: pollDuration,
		nodes:        nodes,
		markerOps:    markerOps,
		logLines:     logLines,
		actions:      actions,
	}, nil
}

// register adds c to reg, or returns the collector already registered under
// the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// ObservePoll counts a poll and records its duration.
func (p *PrometheusCollector) ObservePoll(resource string, ok bool, d time.Duration) {
	if p == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	p.polls.WithLabelValues(resource, result).Inc()
	p.pollDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// SetNodeCounts updates the node gauges.
func (p *PrometheusCollector) SetNodeCounts(total, positioned, offline int) {
	if p == nil {
		return
	}
	p.nodes.WithLabelValues("total").Set(float64(total))
	p.nodes.WithLabelValues("positioned").Set(float64(positioned))
	p.nodes.WithLabelValues("offline").Set(float64(offline))
}

// AddMarkerOps records the outcome of one reconciliation.
func (p *PrometheusCollector) AddMarkerOps(created, moved, removed int) {
	if p == nil {
		return
	}
	for op, n := range map[string]int{"create": created, "move": moved, "remove": removed} {
		if n > 0 {
			p.markerOps.WithLabelValues(op).Add(float64(n))
		}
	}
}

// IncLogLine counts one log tail append.
func (p *PrometheusCollector) IncLogLine(origin string) {
	if p == nil {
		return
	}
	p.logLines.WithLabelValues(origin).Inc()
}

// IncAction counts one user action.
func (p *PrometheusCollector) IncAction(action, outcome string) {
	if p == nil {
		return
	}
	p.actions.WithLabelValues(action, outcome).Inc()
}
