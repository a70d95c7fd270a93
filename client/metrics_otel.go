package client

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
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	dispatcherError   metric.Int64Counter
	fragmentEnqueued  metric.Int64Counter
	fragmentArrived   metric.Int64Counter
	receiveCompleted  metric.Int64Counter
	probeCompleted    metric.Int64Counter
	payloadBytes      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements. Delivered
// and discarded payload bytes share one counter, split by the disposition attribute.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/pml-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{}
	instruments := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&o.dispatcherStarted, "pml.client.dispatcher.started", "Rank dispatcher starts", ""},
		{&o.dispatcherStopped, "pml.client.dispatcher.stopped", "Rank dispatcher exits", ""},
		{&o.dispatcherError, "pml.client.dispatcher.errors", "Fragments the dispatcher could not hand over", ""},
		{&o.fragmentEnqueued, "pml.client.fragments.enqueued", "Sends offered to a destination inbox", ""},
		{&o.fragmentArrived, "pml.client.fragments.arrived", "Fragments matched on arrival or stored as unexpected", ""},
		{&o.receiveCompleted, "pml.client.receives.completed", "Receives resolved by mode and outcome", ""},
		{&o.probeCompleted, "pml.client.probes.completed", "Probes resolved by mode and outcome", ""},
		{&o.payloadBytes, "pml.client.payload.bytes", "Payload bytes delivered or discarded", "By"},
	}
	for _, in := range instruments {
		counterOpts := []metric.Int64CounterOption{metric.WithDescription(in.desc)}
		if in.unit != "" {
			counterOpts = append(counterOpts, metric.WithUnit(in.unit))
		}
		counter, err := meter.Int64Counter(in.name, counterOpts...)
		if err != nil {
			return nil, err
		}
		*in.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that a rank dispatcher has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that a rank dispatcher has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) DispatcherError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.dispatcherError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTelMetrics) FragmentEnqueued(attrs map[string]string) {
	o.fragmentEnqueued.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

func (o *OTelMetrics) FragmentArrived(attrs map[string]string) {
	o.fragmentArrived.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelPath)...))
}

func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelMode, labelStatus)...))
}

func (o *OTelMetrics) ProbeCompleted(attrs map[string]string) {
	o.probeCompleted.Add(context.Background(), 1,
		metric.WithAttributes(otelAttrs(attrs, labelMode, labelBlocking, labelStatus)...))
}

// PayloadDelivered records delivered bytes and, when a receive buffer was short, the discarded tail.
func (o *OTelMetrics) PayloadDelivered(delivered, discarded uint64, attrs map[string]string) {
	ctx := context.Background()
	base := otelAttrs(attrs)
	o.payloadBytes.Add(ctx, int64(delivered),
		metric.WithAttributes(append(base, attribute.String("disposition", "delivered"))...))
	if discarded > 0 {
		o.payloadBytes.Add(ctx, int64(discarded),
			metric.WithAttributes(append(otelAttrs(attrs), attribute.String("disposition", "discarded"))...))
	}
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelWorld, attrs[labelWorld]),
		attribute.String(labelRank, attrs[labelRank]),
	}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
