package pml

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	receivePosted      *prometheus.CounterVec
	receiveMatched     *prometheus.CounterVec
	probeMatched       *prometheus.CounterVec
	fragmentUnexpected *prometheus.CounterVec
	receiveCancelled   *prometheus.CounterVec
	requestCompleted   *prometheus.CounterVec
}

var (
	postedLabelKeys     = []string{labelComm, labelKind, labelMode}
	matchedLabelKeys    = []string{labelComm, labelKind, labelMode, labelPath}
	probeLabelKeys      = []string{labelComm, labelKind, labelPath}
	unexpectedLabelKeys = []string{labelComm}
	cancelledLabelKeys  = []string{labelComm, labelKind}
	completedLabelKeys  = []string{labelComm, labelKind, labelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters. Counters already
// registered on the registerer are reused, so several communicators may share one registry.
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
		receivePosted:      counter("pml_receive_posted_total", "Number of receives and probes posted", postedLabelKeys),
		receiveMatched:     counter("pml_receive_matched_total", "Number of receives that claimed a fragment", matchedLabelKeys),
		probeMatched:       counter("pml_probe_matched_total", "Number of probes that found a fragment", probeLabelKeys),
		fragmentUnexpected: counter("pml_fragment_unexpected_total", "Number of fragments stored without a posted receive", unexpectedLabelKeys),
		receiveCancelled:   counter("pml_receive_cancelled_total", "Number of receives completed as cancelled", cancelledLabelKeys),
		requestCompleted:   counter("pml_request_completed_total", "Number of requests completed by progress", completedLabelKeys),
	}

	var err error
	if p.receivePosted, err = registerCounterVec(reg, p.receivePosted); err != nil {
		return nil, err
	}
	if p.receiveMatched, err = registerCounterVec(reg, p.receiveMatched); err != nil {
		return nil, err
	}
	if p.probeMatched, err = registerCounterVec(reg, p.probeMatched); err != nil {
		return nil, err
	}
	if p.fragmentUnexpected, err = registerCounterVec(reg, p.fragmentUnexpected); err != nil {
		return nil, err
	}
	if p.receiveCancelled, err = registerCounterVec(reg, p.receiveCancelled); err != nil {
		return nil, err
	}
	if p.requestCompleted, err = registerCounterVec(reg, p.requestCompleted); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PrometheusMetrics) ReceivePosted(attrs map[string]string) {
	p.receivePosted.With(labels(attrs, postedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveMatched(attrs map[string]string) {
	p.receiveMatched.With(labels(attrs, matchedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProbeMatched(attrs map[string]string) {
	p.probeMatched.With(labels(attrs, probeLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) FragmentUnexpected(attrs map[string]string) {
	p.fragmentUnexpected.With(labels(attrs, unexpectedLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCancelled(attrs map[string]string) {
	p.receiveCancelled.With(labels(attrs, cancelledLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestCompleted(attrs map[string]string) {
	p.requestCompleted.With(labels(attrs, completedLabelKeys...)).Inc()
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
