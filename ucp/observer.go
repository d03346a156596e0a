package ucp

import "github.com/rocketbitz/ucp-go/ucs"

// Observer receives diagnostic events from a worker. Methods are called with
// the worker's critical section held and must not call back into the worker.
type Observer interface {
	ProtocolSelected(ProtocolEvent)
	MemoryRegistered(RegistrationEvent)
	MemoryDeregistered(RegistrationEvent)
	RequestCanceled(CancelEvent)
}

// ProtocolEvent is emitted exactly once per send, whichever branch the
// selector takes.
type ProtocolEvent struct {
	Worker   string
	Set      string
	Protocol Protocol
	Length   int
	Err      error
}

// RegistrationEvent reports the domains requested for a buffer and those
// actually registered, which differ when a domain cannot handle the memory
// type.
type RegistrationEvent struct {
	Worker     string
	Requested  uint64
	Achieved   uint64
	MemoryType ucs.MemoryType
	Fragments  int
	Err        error
	// Hidden is set when the caller asked for registration errors to be
	// treated as expected.
	Hidden bool
}

// CancelEvent reports the outcome of Worker.Cancel on a posted receive.
type CancelEvent struct {
	Worker    string
	Offloaded bool
	// Completed reports whether the receive completed inside Cancel.
	Completed bool
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ProtocolSelected(ProtocolEvent)       {}
func (NopObserver) MemoryRegistered(RegistrationEvent)   {}
func (NopObserver) MemoryDeregistered(RegistrationEvent) {}
func (NopObserver) RequestCanceled(CancelEvent)          {}
