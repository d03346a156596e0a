package ucp

import (
	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// complete fixes the terminal status of c. The callback, if enabled, is
// queued and runs once the critical section is released; otherwise a request
// that was already released goes straight back to the pool.
func (w *Worker) complete(c *control, status ucs.Status) {
	ucs.Assertf(status != ucs.StatusInProgress, "completing request with in-progress status")
	ucs.Assertf(c.flags&flagCompleted == 0, "request completed twice (status %s, new %s)", c.status, status)
	c.status = status
	c.flags |= flagCompleted
	if c.flags&flagCallback != 0 {
		c.flags |= flagNotifying
		w.notify = append(w.notify, c)
		return
	}
	if c.flags&flagReleased != 0 {
		w.put(c)
	}
}

func (w *Worker) releaseRequest(c *control, clear requestFlags) {
	ucs.Assertf(c.flags&flagReleased == 0, "request released twice")
	if c.flags&(flagCompleted|flagNotifying) == flagCompleted {
		w.put(c)
		return
	}
	c.flags = (c.flags | flagReleased) &^ clear
}

func (w *Worker) put(c *control) {
	ucs.Assertf(c.flags&flagExternal == 0, "caller-owned request returned to the pool")
	ucs.Assertf(c.send.pendingLane == NullLane, "recycling request pending on lane %d", c.send.pendingLane)
	c.gen++
	c.flags = 0
	c.sendCB, c.tagCB, c.streamCB = nil, nil, nil
	c.send = sendState{lane: NullLane, pendingLane: NullLane, regMD: NoDomain}
	c.recv = recvState{}
	for i := range c.iovScratch {
		c.iovScratch[i] = nil
	}
	w.pool.Put(c)
}

type notification struct {
	req      Request
	flags    requestFlags
	err      error
	info     TagRecvInfo
	length   int
	sendCB   SendCallback
	tagCB    TagRecvCallback
	streamCB StreamRecvCallback
}

// notifyCompleted runs the completion callback of c outside the critical
// section, then recycles the request if it was released meanwhile.
func (w *Worker) notifyCompleted(c *control) {
	w.mu.Lock()
	var n notification
	fire := c.flags&flagCallback != 0
	if fire {
		n = notification{
			req:      c.handle(),
			flags:    c.flags,
			err:      c.err(),
			info:     c.recv.info,
			length:   c.recv.length,
			sendCB:   c.sendCB,
			tagCB:    c.tagCB,
			streamCB: c.streamCB,
		}
	}
	w.mu.Unlock()

	if fire {
		switch {
		case n.flags&flagStreamRecv != 0:
			n.streamCB(n.req, n.length, n.err)
		case n.flags&flagRecv != 0:
			n.tagCB(n.req, n.info, n.err)
		default:
			n.sendCB(n.req, n.err)
		}
	}

	w.mu.Lock()
	c.flags &^= flagNotifying
	if c.flags&flagReleased != 0 {
		w.put(c)
	}
	w.mu.Unlock()
}

// Cancel withdraws a posted tagged receive. A receive still held by the
// worker completes with ucs.ErrCanceled before Cancel returns; one already
// handed to the transport for matching completes later, when the transport
// reports it. Completed requests, stale handles and requests that are not
// posted receives are left alone.
func (w *Worker) Cancel(req Request) {
	c := req.ctl
	if c == nil {
		return
	}
	ucs.Assertf(c.worker == w, "cancel of a request owned by another worker")
	w.enter()
	defer w.exit()
	if c.gen != req.gen || c.flags&flagCompleted != 0 {
		return
	}
	if c.flags&flagExpected == 0 {
		return
	}

	w.tm.removeExpected(c)
	offloaded := c.flags&flagOffloaded != 0
	completed := false
	if !offloaded {
		w.complete(c, ucs.ErrCanceled)
		completed = true
	} else if err := w.offload.TagRecvCancel(c, false); err != nil {
		// The transport no longer knows the receive; nothing else will
		// complete it.
		c.flags &^= flagOffloaded
		w.complete(c, ucs.ErrCanceled)
		completed = true
	}
	w.observer.RequestCanceled(CancelEvent{Worker: w.name, Offloaded: offloaded, Completed: completed})
}

func (w *Worker) completeSend(c *control, status ucs.Status) {
	if ep := c.send.ep; ep != nil {
		delete(ep.inflight, c)
	}
	w.complete(c, status)
}

// sendFailed settles a send whose protocol step returned err. Zero-copy sends
// with operations still outstanding record the error and finish from the
// last transport completion.
func (w *Worker) sendFailed(c *control, err error) {
	s := &c.send
	status := ucs.StatusOf(err)
	if err != error(status) {
		c.cause = err
	}
	if s.comp.Func == nil {
		w.completeSend(c, status)
		return
	}
	if !s.comp.Status.IsError() {
		s.comp.Status = status
	}
	if s.comp.Count > 0 {
		s.offset = s.length
		return
	}
	w.sendStateFastForward(c, status)
}

// sendStateFastForward abandons a send. A request with a completion
// continuation has its offset moved to the end and the continuation invoked
// with no operations outstanding; any other send completes directly.
func (w *Worker) sendStateFastForward(c *control, status ucs.Status) {
	s := &c.send
	if s.comp.Func != nil {
		s.offset = s.length
		s.comp.Count = 0
		s.comp.Func(&s.comp, status)
		return
	}
	w.completeSend(c, status)
}

// zcopyCompleted is the continuation of zero-copy sends. It runs when the
// last outstanding transport operation finishes and only completes the
// request once every fragment has been posted.
func (w *Worker) zcopyCompleted(c *control, status ucs.Status) {
	s := &c.send
	if s.offset < s.length {
		return
	}
	w.deregisterForRequest(c)
	w.completeSend(c, status)
}

func (w *Worker) completeTagRecv(c *control, tag uint64, total int) {
	length := total
	status := ucs.StatusOK
	if total > len(c.recv.buf) {
		length = len(c.recv.buf)
		status = ucs.ErrMessageTruncated
	}
	c.recv.info = TagRecvInfo{SenderTag: tag, Length: length}
	w.complete(c, status)
}

var _ uct.PendingRequest = (*control)(nil)
var _ uct.TagRecvContext = (*control)(nil)
