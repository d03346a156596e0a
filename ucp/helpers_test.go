package ucp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

type recordingObserver struct {
	protocols []ProtocolEvent
	regs      []RegistrationEvent
	deregs    []RegistrationEvent
	cancels   []CancelEvent
}

func (o *recordingObserver) ProtocolSelected(ev ProtocolEvent)       { o.protocols = append(o.protocols, ev) }
func (o *recordingObserver) MemoryRegistered(ev RegistrationEvent)   { o.regs = append(o.regs, ev) }
func (o *recordingObserver) MemoryDeregistered(ev RegistrationEvent) { o.deregs = append(o.deregs, ev) }
func (o *recordingObserver) RequestCanceled(ev CancelEvent)          { o.cancels = append(o.cancels, ev) }

// fakeLane is a scriptable lane. While busy every send reports
// ucs.ErrNoResource and PendingAdd queues.
type fakeLane struct {
	limits     uct.Limits
	busy       bool
	pendingErr error
	zcopyErr   error
	deferZcopy bool
	// busyAfter turns the lane busy once that many fragments went out.
	busyAfter int

	fragments int
	shorts    int
	bcopies   int
	zcopies   int
	headers   []uct.Header
	sent      []byte
	pending   []uct.PendingRequest
	comps     []*uct.Completion
}

func newFakeLane(limits uct.Limits) *fakeLane {
	if limits == (uct.Limits{}) {
		limits = uct.DefaultLimits
	}
	return &fakeLane{limits: limits}
}

func (l *fakeLane) Limits() uct.Limits { return l.limits }

func (l *fakeLane) accepted(hdr uct.Header) {
	l.fragments++
	l.headers = append(l.headers, hdr)
	if l.busyAfter > 0 && l.fragments >= l.busyAfter {
		l.busy = true
	}
}

func (l *fakeLane) SendShort(hdr uct.Header, payload []byte) error {
	if l.busy {
		return ucs.ErrNoResource
	}
	l.shorts++
	l.sent = append(l.sent, payload...)
	l.accepted(hdr)
	return nil
}

func (l *fakeLane) SendBcopy(hdr uct.Header, pack uct.PackFunc) (int, error) {
	if l.busy {
		return 0, ucs.ErrNoResource
	}
	buf := make([]byte, l.limits.MaxBcopy-hdr.Size())
	n := pack(buf)
	l.bcopies++
	l.sent = append(l.sent, buf[:n]...)
	l.accepted(hdr)
	return n, nil
}

func (l *fakeLane) SendZcopy(hdr uct.Header, iov [][]byte, comp *uct.Completion) error {
	if l.busy {
		return ucs.ErrNoResource
	}
	if l.zcopyErr != nil {
		return l.zcopyErr
	}
	if len(iov) > l.limits.MaxIOV {
		return ucs.ErrInvalidParam
	}
	l.zcopies++
	for _, seg := range iov {
		l.sent = append(l.sent, seg...)
	}
	l.accepted(hdr)
	if l.deferZcopy {
		l.comps = append(l.comps, comp)
		return ucs.StatusInProgress
	}
	return nil
}

func (l *fakeLane) PendingAdd(req uct.PendingRequest, _ uint) error {
	if !l.busy {
		return ucs.ErrBusy
	}
	if l.pendingErr != nil {
		return l.pendingErr
	}
	l.pending = append(l.pending, req)
	return nil
}

func (l *fakeLane) PendingPurge(cb func(uct.PendingRequest)) {
	pending := l.pending
	l.pending = nil
	for _, req := range pending {
		cb(req)
	}
}

// release clears the busy state and dispatches queued requests the way a
// transport would from inside the worker's progress.
func (l *fakeLane) release(w *Worker) {
	w.enter()
	l.busy = false
	l.busyAfter = 0
	for len(l.pending) > 0 {
		req := l.pending[0]
		status := req.Dispatch()
		if status == ucs.ErrNoResource {
			break
		}
		if status == ucs.StatusInProgress {
			continue
		}
		if len(l.pending) > 0 && l.pending[0] == req {
			l.pending = l.pending[1:]
		}
	}
	w.exit()
}

// complete fires deferred zero-copy completions inside the worker's
// critical section.
func (l *fakeLane) complete(w *Worker, status ucs.Status) {
	w.enter()
	comps := l.comps
	l.comps = nil
	for _, comp := range comps {
		uct.InvokeCompletion(comp, status)
	}
	w.exit()
}

func newTestWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := NewWorker(cfg)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newFakeEndpoint(t *testing.T, w *Worker, domain int, lanes ...*fakeLane) *Endpoint {
	t.Helper()
	epLanes := make([]EndpointLane, len(lanes))
	for i, l := range lanes {
		epLanes[i] = EndpointLane{Lane: l, Domain: domain}
	}
	ep, err := w.NewEndpoint(epLanes, EndpointOptions{})
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	return ep
}

type loopback struct {
	a, b   *Worker
	ab, ba *Endpoint
}

func newLoopback(t *testing.T, cfgA, cfgB Config, opts EndpointOptions) *loopback {
	t.Helper()
	a := newTestWorker(t, cfgA)
	b := newTestWorker(t, cfgB)
	ab, err := a.Connect(b, opts)
	if err != nil {
		t.Fatalf("Connect a->b failed: %v", err)
	}
	ba, err := b.Connect(a, opts)
	if err != nil {
		t.Fatalf("Connect b->a failed: %v", err)
	}
	return &loopback{a: a, b: b, ab: ab, ba: ba}
}

func progressUntil(t *testing.T, cond func() bool, workers ...*Worker) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		for _, w := range workers {
			w.Progress()
		}
	}
	t.Fatalf("condition not reached after 1000 progress rounds")
}

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i*7 + 3)
	}
	return buf
}

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", contains)
		}
		if msg := fmt.Sprint(r); contains != "" && !strings.Contains(msg, contains) {
			t.Fatalf("panic %q does not contain %q", msg, contains)
		}
	}()
	fn()
}
