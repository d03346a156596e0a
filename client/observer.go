package client

import (
	"fmt"

	"github.com/rocketbitz/ucp-go/ucp"
)

// workerObserver turns worker events into log entries, span events and
// metrics. It runs inside the worker's critical section, so it never calls
// back into the worker.
type workerObserver struct {
	client *Client
	next   ucp.Observer
}

var _ ucp.Observer = (*workerObserver)(nil)

func (o *workerObserver) ProtocolSelected(ev ucp.ProtocolEvent) {
	c := o.client
	fields := []logField{
		logKV(labelSet, ev.Set),
		logKV(labelProtocol, ev.Protocol.String()),
		logKV("length", ev.Length),
	}
	if ev.Err != nil {
		fields = append(fields, logKV("error", ev.Err))
	}
	c.logDispatcherEvent("protocol_selected", fields...)
	spanAddEvent(c.span, "protocol_selected", fields...)
	c.metricProtocolSelected(ev.Protocol.String(), fields...)
	if o.next != nil {
		o.next.ProtocolSelected(ev)
	}
}

func (o *workerObserver) MemoryRegistered(ev ucp.RegistrationEvent) {
	c := o.client
	fields := registrationFields(ev)
	switch {
	case ev.Err == nil:
		c.logDispatcherEvent("memory_registered", fields...)
	case ev.Hidden:
		c.logDispatcherEvent("registration_failed", fields...)
	default:
		c.logErrorEvent("registration_failed", fields...)
		spanRecordError(c.span, ev.Err)
	}
	if o.next != nil {
		o.next.MemoryRegistered(ev)
	}
}

func (o *workerObserver) MemoryDeregistered(ev ucp.RegistrationEvent) {
	o.client.logDispatcherEvent("memory_deregistered", registrationFields(ev)...)
	if o.next != nil {
		o.next.MemoryDeregistered(ev)
	}
}

func (o *workerObserver) RequestCanceled(ev ucp.CancelEvent) {
	c := o.client
	fields := []logField{
		logKV(labelOffloaded, ev.Offloaded),
		logKV("completed", ev.Completed),
	}
	c.logDispatcherEvent("request_canceled", fields...)
	spanAddEvent(c.span, "request_canceled", fields...)
	c.metricRequestCanceled(fields...)
	if o.next != nil {
		o.next.RequestCanceled(ev)
	}
}

func registrationFields(ev ucp.RegistrationEvent) []logField {
	fields := []logField{
		logKV("requested", fmt.Sprintf("0x%x", ev.Requested)),
		logKV("achieved", fmt.Sprintf("0x%x", ev.Achieved)),
		logKV("memory_type", ev.MemoryType.String()),
		logKV("fragments", ev.Fragments),
	}
	if ev.Err != nil {
		fields = append(fields, logKV("error", ev.Err), logKV("hidden", ev.Hidden))
	}
	return fields
}
