package client

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelWorker: "w0",
		labelLanes:  "2",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.ProtocolSelected("zcopy_multi", map[string]string{
		labelWorker: "w0",
		labelLanes:  "2",
		labelSet:    "tag_eager",
	})
	metrics.RequestCanceled(map[string]string{
		labelWorker:    "w0",
		labelLanes:     "2",
		labelOffloaded: "true",
	})

	sendAttrs := map[string]string{
		labelWorker:    "w0",
		labelLanes:     "2",
		labelOperation: "send",
		labelStatus:    "ok",
	}
	metrics.SendCompleted(sendAttrs)
	metrics.SendFailed(errors.New("fail"), sendAttrs)
	metrics.ReceiveCompleted(sendAttrs)
	metrics.ReceiveFailed(errors.New("rfail"), sendAttrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"ucp_client_dispatcher_started_total": 1,
		"ucp_client_dispatcher_stopped_total": 1,
		"ucp_client_protocol_selected_total":  1,
		"ucp_client_send_completed_total":     1,
		"ucp_client_send_failed_total":        1,
		"ucp_client_receive_completed_total":  1,
		"ucp_client_receive_failed_total":     1,
		"ucp_client_request_canceled_total":   1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if got := findLabelValue(mfs, "ucp_client_protocol_selected_total", labelProtocol); got != "zcopy_multi" {
		t.Fatalf("unexpected protocol label %q", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}

	attrs := map[string]string{labelWorker: "w0", labelLanes: "1"}
	first.DispatcherStarted(attrs)
	second.DispatcherStarted(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "ucp_client_dispatcher_started_total"); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabelValue(mfs []*dto.MetricFamily, name, label string) string {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label {
					return lp.GetValue()
				}
			}
		}
	}
	return ""
}
