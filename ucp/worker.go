// Package ucp is the protocol layer: it selects a send protocol per message,
// registers zero-copy buffers on memory domains, queues sends on busy lanes,
// matches tagged receives and drives requests through completion, release
// and cancellation.
//
// A Worker owns a transport interface, a request pool and the receive
// matching state. All of them are guarded by the worker's critical section,
// which is a mutex in ThreadModeMulti and a no-op in ThreadModeSingle.
// Completion callbacks run after the critical section is released, so they
// may post, release or cancel requests.
package ucp

import (
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/ucp-go/internal/mpool"
	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// Worker is a protocol-layer progress context.
type Worker struct {
	cfg      Config
	name     string
	mu       sync.Locker
	pool     *mpool.Pool[control]
	iface    *uct.Iface
	offload  uct.TagOffloader
	domains  []uct.MemoryDomain
	observer Observer

	messageID uint64
	endpoints map[*Endpoint]struct{}
	tm        tagMatcher
	streams   map[uint64]*streamQueue
	notify    []*control
	closed    atomic.Bool
}

// NewWorker constructs a worker and its transport interface.
func NewWorker(cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:       cfg,
		name:      cfg.Name,
		domains:   cfg.Domains,
		observer:  cfg.Observer,
		endpoints: make(map[*Endpoint]struct{}),
		tm:        newTagMatcher(),
		streams:   make(map[uint64]*streamQueue),
	}
	if cfg.ThreadMode == ThreadModeMulti {
		w.mu = &sync.Mutex{}
	} else {
		w.mu = noLock{}
	}
	w.iface = uct.NewIface(cfg.Iface)
	w.iface.SetHandler(w.handleFragment)
	if cfg.Iface.TagOffload {
		w.offload = w.iface
	}
	w.pool = mpool.New(mpool.Options[control]{
		Name:          cfg.Name + "-requests",
		ElemsPerChunk: cfg.RequestsPerChunk,
		MaxElems:      cfg.MaxRequests,
		Init:          w.initControl,
		Cleanup:       w.cleanupControl,
	})
	return w, nil
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

// Iface exposes the worker's transport interface.
func (w *Worker) Iface() *uct.Iface {
	return w.iface
}

// ThreadMode reports how the worker serializes access.
func (w *Worker) ThreadMode() ThreadMode {
	return w.cfg.ThreadMode
}

// LiveRequests reports the pool slots currently handed out.
func (w *Worker) LiveRequests() int {
	w.enter()
	defer w.exit()
	return w.pool.Live()
}

func (w *Worker) enter() {
	w.mu.Lock()
}

// exit leaves the critical section and runs the completion callbacks queued
// inside it.
func (w *Worker) exit() {
	pending := w.notify
	w.notify = nil
	w.mu.Unlock()
	for _, c := range pending {
		w.notifyCompleted(c)
	}
}

// Progress polls the transport: inbound fragments are matched, deferred
// transport completions fire and busy lanes dispatch queued sends. It
// returns the number of events processed.
func (w *Worker) Progress() int {
	if w.closed.Load() {
		return 0
	}
	w.enter()
	n := w.iface.Progress()
	w.exit()
	return n
}

// Close closes every endpoint, cancels posted receives and releases the
// request pool. Requests still held by the caller remain valid until they
// are released.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.enter()
	eps := make([]*Endpoint, 0, len(w.endpoints))
	for ep := range w.endpoints {
		eps = append(eps, ep)
	}
	w.exit()
	for _, ep := range eps {
		_ = ep.Close()
	}

	w.enter()
	// Flush transport-side cancellations already requested.
	w.iface.Progress()
	for _, c := range w.tm.expected {
		c.flags &^= flagExpected
		if c.flags&flagOffloaded != 0 {
			_ = w.offload.TagRecvCancel(c, true)
			c.flags &^= flagOffloaded
		}
		w.complete(c, ucs.ErrCanceled)
	}
	w.tm.expected = nil
	for key, a := range w.tm.assembling {
		if a.recv != nil {
			w.complete(a.recv, ucs.ErrCanceled)
		}
		delete(w.tm.assembling, key)
	}
	w.tm.unexpected = nil
	w.exit()

	w.enter()
	w.pool.Close()
	w.exit()
	w.iface.Close()
	return nil
}
