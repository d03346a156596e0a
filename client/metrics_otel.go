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
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	protocolSelected  metric.Int64Counter
	sendCompleted     metric.Int64Counter
	sendFailed        metric.Int64Counter
	receiveCompleted  metric.Int64Counter
	receiveFailed     metric.Int64Counter
	requestCanceled   metric.Int64Counter
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
			name = "github.com/rocketbitz/ucp-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"ucp.client.dispatcher.started", &o.dispatcherStarted},
		{"ucp.client.dispatcher.stopped", &o.dispatcherStopped},
		{"ucp.client.protocol.selected", &o.protocolSelected},
		{"ucp.client.send.completed", &o.sendCompleted},
		{"ucp.client.send.failed", &o.sendFailed},
		{"ucp.client.receive.completed", &o.receiveCompleted},
		{"ucp.client.receive.failed", &o.receiveFailed},
		{"ucp.client.request.canceled", &o.requestCanceled},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that the dispatcher loop has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the dispatcher loop has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ProtocolSelected counts sends per protocol.
func (o *OTelMetrics) ProtocolSelected(protocol string, attrs map[string]string) {
	attributes := otelAttrs(attrs)
	if v := attrs[labelSet]; v != "" {
		attributes = append(attributes, attribute.String(labelSet, v))
	}
	attributes = append(attributes, attribute.String(labelProtocol, protocol))
	o.protocolSelected.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// SendCompleted records a successful send completion.
func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// SendFailed records a failed send completion.
func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReceiveCompleted records a successful receive completion.
func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// ReceiveFailed records a failed receive completion.
func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// RequestCanceled records a receive withdrawn by cancel.
func (o *OTelMetrics) RequestCanceled(attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelOffloaded, attrs[labelOffloaded]))
	o.requestCanceled.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelWorker, attrs[labelWorker]),
	}
	if v := attrs[labelLanes]; v != "" {
		kvs = append(kvs, attribute.String(labelLanes, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
