package client

import "github.com/prometheus/client_golang/prometheus"

const (
	labelWorld     = "world"
	labelRank      = "rank"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
	labelMode      = "mode"
	labelPath      = "path"
	labelBlocking  = "blocking"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters. Payload bytes are split into
// delivered and discarded series so truncation shows up without a separate event.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherError   *prometheus.CounterVec
	fragmentEnqueued  *prometheus.CounterVec
	fragmentArrived   *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	probeCompleted    *prometheus.CounterVec
	bytesDelivered    *prometheus.CounterVec
	bytesDiscarded    *prometheus.CounterVec
}

var (
	rankLabelKeys     = []string{labelWorld, labelRank}
	errorLabelKeys    = []string{labelWorld, labelRank, labelKind}
	enqueuedLabelKeys = []string{labelWorld, labelRank, labelStatus}
	arrivedLabelKeys  = []string{labelWorld, labelRank, labelPath}
	receiveLabelKeys  = []string{labelWorld, labelRank, labelMode, labelStatus}
	probeLabelKeys    = []string{labelWorld, labelRank, labelMode, labelBlocking, labelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters. Counters already
// registered on the registerer are reused, so several worlds may share one registry.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		dispatcherStarted: counter("pml_client_dispatcher_started_total", "Number of times a rank dispatcher started", rankLabelKeys),
		dispatcherStopped: counter("pml_client_dispatcher_stopped_total", "Number of times a rank dispatcher stopped", rankLabelKeys),
		dispatcherError:   counter("pml_client_dispatcher_errors_total", "Number of fragments the dispatcher failed to hand to the matching engine", errorLabelKeys),
		fragmentEnqueued:  counter("pml_client_fragments_enqueued_total", "Number of sends offered to a destination inbox, by outcome", enqueuedLabelKeys),
		fragmentArrived:   counter("pml_client_fragments_arrived_total", "Number of fragments matched on arrival or stored as unexpected", arrivedLabelKeys),
		receiveCompleted:  counter("pml_client_receives_completed_total", "Number of receives resolved, by match mode and outcome", receiveLabelKeys),
		probeCompleted:    counter("pml_client_probes_completed_total", "Number of probes resolved, by match mode and outcome", probeLabelKeys),
		bytesDelivered:    counter("pml_client_payload_delivered_bytes_total", "Payload bytes copied into receive buffers", rankLabelKeys),
		bytesDiscarded:    counter("pml_client_payload_discarded_bytes_total", "Payload bytes dropped because the receive buffer was too small", rankLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.dispatcherStarted, &p.dispatcherStopped, &p.dispatcherError,
		&p.fragmentEnqueued, &p.fragmentArrived, &p.receiveCompleted,
		&p.probeCompleted, &p.bytesDelivered, &p.bytesDiscarded,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, rankLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, rankLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, errorLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherError.With(labs).Inc()
}

func (p *PrometheusMetrics) FragmentEnqueued(attrs map[string]string) {
	p.fragmentEnqueued.With(labels(attrs, enqueuedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) FragmentArrived(attrs map[string]string) {
	p.fragmentArrived.With(labels(attrs, arrivedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, receiveLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProbeCompleted(attrs map[string]string) {
	p.probeCompleted.With(labels(attrs, probeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PayloadDelivered(delivered, discarded uint64, attrs map[string]string) {
	labs := labels(attrs, rankLabelKeys...)
	p.bytesDelivered.With(labs).Add(float64(delivered))
	if discarded > 0 {
		p.bytesDiscarded.With(labs).Add(float64(discarded))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
