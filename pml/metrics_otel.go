package pml

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter              metric.Meter
	receivePosted      metric.Int64Counter
	receiveMatched     metric.Int64Counter
	probeMatched       metric.Int64Counter
	fragmentUnexpected metric.Int64Counter
	receiveCancelled   metric.Int64Counter
	requestCompleted   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/pml-go/pml"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	receivePosted, err := meter.Int64Counter("pml.receive.posted")
	if err != nil {
		return nil, err
	}
	receiveMatched, err := meter.Int64Counter("pml.receive.matched")
	if err != nil {
		return nil, err
	}
	probeMatched, err := meter.Int64Counter("pml.probe.matched")
	if err != nil {
		return nil, err
	}
	fragmentUnexpected, err := meter.Int64Counter("pml.fragment.unexpected")
	if err != nil {
		return nil, err
	}
	receiveCancelled, err := meter.Int64Counter("pml.receive.cancelled")
	if err != nil {
		return nil, err
	}
	requestCompleted, err := meter.Int64Counter("pml.request.completed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:              meter,
		receivePosted:      receivePosted,
		receiveMatched:     receiveMatched,
		probeMatched:       probeMatched,
		fragmentUnexpected: fragmentUnexpected,
		receiveCancelled:   receiveCancelled,
		requestCompleted:   requestCompleted,
	}, nil
}

// ReceivePosted records a posted receive or probe.
func (o *OTelMetrics) ReceivePosted(attrs map[string]string) {
	o.receivePosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelMode)...))
}

// ReceiveMatched records a receive claiming a fragment.
func (o *OTelMetrics) ReceiveMatched(attrs map[string]string) {
	o.receiveMatched.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelMode, labelPath)...))
}

// ProbeMatched records a probe hit.
func (o *OTelMetrics) ProbeMatched(attrs map[string]string) {
	o.probeMatched.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelPath)...))
}

// FragmentUnexpected records a fragment stored without a receive.
func (o *OTelMetrics) FragmentUnexpected(attrs map[string]string) {
	o.fragmentUnexpected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReceiveCancelled records a receive completed as cancelled.
func (o *OTelMetrics) ReceiveCancelled(attrs map[string]string) {
	o.receiveCancelled.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind)...))
}

// RequestCompleted records a request completed by progress.
func (o *OTelMetrics) RequestCompleted(attrs map[string]string) {
	o.requestCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind, labelStatus)...))
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelComm, attrs[labelComm])}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
