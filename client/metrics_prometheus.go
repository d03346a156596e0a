package client

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
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	protocolSelected  *prometheus.CounterVec
	sendCompleted     *prometheus.CounterVec
	sendFailed        *prometheus.CounterVec
	receiveCompleted  *prometheus.CounterVec
	receiveFailed     *prometheus.CounterVec
	requestCanceled   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Counters already registered with the same descriptor are reused.
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
		dispatcherStarted: counter("ucp_client_dispatcher_started_total", "Number of times the dispatcher loop started", dispatcherLabelKeys),
		dispatcherStopped: counter("ucp_client_dispatcher_stopped_total", "Number of times the dispatcher loop stopped", dispatcherLabelKeys),
		protocolSelected:  counter("ucp_client_protocol_selected_total", "Number of sends per selected protocol", protocolLabelKeys),
		sendCompleted:     counter("ucp_client_send_completed_total", "Number of successful send completions", completionLabelKeys),
		sendFailed:        counter("ucp_client_send_failed_total", "Number of errored send completions", completionLabelKeys),
		receiveCompleted:  counter("ucp_client_receive_completed_total", "Number of successful receive completions", completionLabelKeys),
		receiveFailed:     counter("ucp_client_receive_failed_total", "Number of errored receive completions", completionLabelKeys),
		requestCanceled:   counter("ucp_client_request_canceled_total", "Number of receives withdrawn by cancel", cancelLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.dispatcherStarted,
		&p.dispatcherStopped,
		&p.protocolSelected,
		&p.sendCompleted,
		&p.sendFailed,
		&p.receiveCompleted,
		&p.receiveFailed,
		&p.requestCanceled,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}

	return p, nil
}

var (
	dispatcherLabelKeys = []string{labelWorker, labelLanes}
	protocolLabelKeys   = []string{labelWorker, labelLanes, labelSet, labelProtocol}
	completionLabelKeys = []string{labelWorker, labelLanes, labelOperation, labelStatus}
	cancelLabelKeys     = []string{labelWorker, labelLanes, labelOffloaded}
)

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ProtocolSelected(protocol string, attrs map[string]string) {
	labs := labels(attrs, protocolLabelKeys...)
	labs[labelProtocol] = protocol
	p.protocolSelected.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestCanceled(attrs map[string]string) {
	p.requestCanceled.With(labels(attrs, cancelLabelKeys...)).Inc()
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
