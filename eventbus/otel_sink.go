package eventbus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ghostcrawl/core/corekit"
)

// OTelSink implements corekit.MetricsRegistry on the OpenTelemetry metric
// API. Instruments are created lazily on first use and cached; label pairs
// become OTel attributes. Emission errors are swallowed — the metrics path
// must never fail the job.
type OTelSink struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

// NewOTelSink creates a sink on the globally configured OTel meter
// provider. Install it process-wide with corekit.SetMetricsRegistry.
func NewOTelSink(scope string) *OTelSink {
	if scope == "" {
		scope = "ghostcrawl-core"
	}
	return &OTelSink{
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

var _ corekit.MetricsRegistry = (*OTelSink)(nil)

func labelAttrs(labels []string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

func (s *OTelSink) counter(name string) metric.Float64Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c, err := s.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	s.counters[name] = c
	return c
}

func (s *OTelSink) gauge(name string) metric.Float64Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g, err := s.meter.Float64Gauge(name)
	if err != nil {
		return nil
	}
	s.gauges[name] = g
	return g
}

func (s *OTelSink) histogram(name string) metric.Float64Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h, err := s.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	s.histograms[name] = h
	return h
}

// Counter increments the named counter by one.
func (s *OTelSink) Counter(name string, labels ...string) {
	if c := s.counter(name); c != nil {
		c.Add(context.Background(), 1, labelAttrs(labels))
	}
}

// Gauge records the current value of the named gauge.
func (s *OTelSink) Gauge(name string, value float64, labels ...string) {
	if g := s.gauge(name); g != nil {
		g.Record(context.Background(), value, labelAttrs(labels))
	}
}

// Histogram records value into the named histogram.
func (s *OTelSink) Histogram(name string, value float64, labels ...string) {
	if h := s.histogram(name); h != nil {
		h.Record(context.Background(), value, labelAttrs(labels))
	}
}

// EmitWithContext records value as a histogram observation carrying the
// caller's context, so exemplar/trace correlation survives.
func (s *OTelSink) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if h := s.histogram(name); h != nil {
		h.Record(ctx, value, labelAttrs(labels))
	}
}
