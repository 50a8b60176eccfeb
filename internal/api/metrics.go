package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const metricsPath = "/metrics"

// Metrics is one /metrics response. Raw is kept verbatim for display;
// Families is filled when the body is in Prometheus text format.
type Metrics struct {
	ContentType string         `json:"contentType,omitempty"`
	Raw         string         `json:"raw"`
	Families    []MetricFamily `json:"families,omitempty"`
}

// MetricFamily summarizes one Prometheus metric family.
type MetricFamily struct {
	Name    string   `json:"name"`
	Help    string   `json:"help,omitempty"`
	Type    string   `json:"type"`
	Samples []Sample `json:"samples"`
}

// Sample is one series of a family. Summaries and histograms report their
// sample sum.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Family returns the family with the given name.
func (m Metrics) Family(name string) (MetricFamily, bool) {
	for _, f := range m.Families {
		if f.Name == name {
			return f, true
		}
	}
	return MetricFamily{}, false
}

// FetchMetrics returns the backend metrics payload.
func (c *Client) FetchMetrics(ctx context.Context) (Metrics, error) {
	resp, err := c.do(ctx, http.MethodGet, metricsPath, nil)
	if err != nil {
		return Metrics{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Metrics{}, fmt.Errorf("%w: read %s: %v", ErrFetchFailure, metricsPath, err)
	}
	return ParseMetrics(body, resp.Header.Get("Content-Type")), nil
}

// ParseMetrics keeps body verbatim and, unless it is JSON, parses it as
// Prometheus text exposition. A body that does not parse is still returned
// raw.
func ParseMetrics(body []byte, contentType string) Metrics {
	m := Metrics{ContentType: contentType, Raw: string(body)}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || strings.Contains(contentType, "json") || trimmed[0] == '{' || trimmed[0] == '[' {
		return m
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return m
	}
	m.Families = summarize(families)
	return m
}

func summarize(families map[string]*dto.MetricFamily) []MetricFamily {
	out := make([]MetricFamily, 0, len(families))
	for name, mf := range families {
		f := MetricFamily{
			Name:    name,
			Help:    mf.GetHelp(),
			Type:    strings.ToLower(mf.GetType().String()),
			Samples: make([]Sample, 0, len(mf.GetMetric())),
		}
		for _, metric := range mf.GetMetric() {
			s := Sample{Value: sampleValue(mf.GetType(), metric)}
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				s.Labels = make(map[string]string, len(pairs))
				for _, lp := range pairs {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			f.Samples = append(f.Samples, s)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sampleValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	default:
		return m.GetUntyped().GetValue()
	}
}
