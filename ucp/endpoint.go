package ucp

import (
	"fmt"
	"io"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// EndpointLane pairs a transport lane with the memory domain its zero-copy
// sends register on.
type EndpointLane struct {
	Lane   uct.Lane
	Domain int
}

type epLane struct {
	lane uct.Lane
	md   int
}

// Endpoint sends to one peer over one or more lanes. Lane 0 is the AM lane;
// every lane is a bandwidth lane for multi-fragment sends.
type Endpoint struct {
	worker   *Worker
	lanes    []epLane
	amLane   int
	peer     uint64
	inflight map[*control]struct{}
	closed   bool
}

func (w *Worker) checkDomain(md int) error {
	if md == NoDomain || (md >= 0 && md < len(w.domains)) {
		return nil
	}
	return ucs.ErrInvalidParam.WithOp(fmt.Sprintf("ucp: lane domain %d out of range", md))
}

// NewEndpoint builds an endpoint over caller-supplied lanes.
func (w *Worker) NewEndpoint(lanes []EndpointLane, opts EndpointOptions) (*Endpoint, error) {
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}
	if len(lanes) == 0 {
		return nil, ucs.ErrInvalidParam.WithOp("ucp: endpoint without lanes")
	}
	ep := &Endpoint{
		worker:   w,
		lanes:    make([]epLane, 0, len(lanes)),
		peer:     opts.Peer,
		inflight: make(map[*control]struct{}),
	}
	for _, l := range lanes {
		if l.Lane == nil {
			return nil, ucs.ErrInvalidParam.WithOp("ucp: nil lane")
		}
		if err := w.checkDomain(l.Domain); err != nil {
			return nil, err
		}
		ep.lanes = append(ep.lanes, epLane{lane: l.Lane, md: l.Domain})
	}
	w.enter()
	w.endpoints[ep] = struct{}{}
	w.exit()
	return ep, nil
}

// Connect opens opts.Lanes copy lanes from w to peer and wraps them in an
// endpoint.
func (w *Worker) Connect(peer *Worker, opts EndpointOptions) (*Endpoint, error) {
	if peer == nil {
		return nil, ErrInvalidHandle{"worker"}
	}
	if w.closed.Load() {
		return nil, ErrWorkerClosed
	}
	n := opts.Lanes
	if n <= 0 {
		n = 1
	}
	domains := make([]int, n)
	for i := range domains {
		switch {
		case i < len(opts.LaneDomains):
			domains[i] = opts.LaneDomains[i]
		case len(w.domains) > 0:
			domains[i] = i % len(w.domains)
		default:
			domains[i] = NoDomain
		}
		if err := w.checkDomain(domains[i]); err != nil {
			return nil, err
		}
	}

	lanes := make([]EndpointLane, n)
	w.enter()
	for i := range lanes {
		lanes[i] = EndpointLane{Lane: w.iface.Connect(peer.iface), Domain: domains[i]}
	}
	w.exit()
	opts.Peer = peer.iface.ID()
	return w.NewEndpoint(lanes, opts)
}

// Worker returns the owning worker.
func (ep *Endpoint) Worker() *Worker {
	return ep.worker
}

// Lanes reports the number of lanes.
func (ep *Endpoint) Lanes() int {
	return len(ep.lanes)
}

// Outstanding reports sends that have not completed yet.
func (ep *Endpoint) Outstanding() int {
	w := ep.worker
	w.enter()
	defer w.exit()
	return len(ep.inflight)
}

// TagSend sends buf with tag. A send that finishes inside the call returns
// the zero Request and does not invoke the callback; otherwise the returned
// request must be released or freed. Messages too large for eager protocols
// fail with ucs.ErrNoProgress.
func (ep *Endpoint) TagSend(buf []byte, tag uint64, params SendParams) (Request, error) {
	return ep.send(dtContig, buf, nil, tag, false, &tagEagerProto, params)
}

// TagSendIOV sends the concatenation of iov with tag. Empty entries are
// allowed.
func (ep *Endpoint) TagSendIOV(iov [][]byte, tag uint64, params SendParams) (Request, error) {
	return ep.send(dtIOV, nil, iov, tag, false, &tagEagerProto, params)
}

// StreamSend appends buf to the byte stream towards the peer.
func (ep *Endpoint) StreamSend(buf []byte, params SendParams) (Request, error) {
	return ep.send(dtContig, buf, nil, 0, true, &streamProto, params)
}

func (ep *Endpoint) send(dt datatype, buf []byte, iov [][]byte, tag uint64, stream bool, ps *protoSet,
	params SendParams) (Request, error) {
	w := ep.worker
	if w.closed.Load() {
		return Request{}, ErrWorkerClosed
	}
	w.enter()
	defer w.exit()
	if ep.closed {
		return Request{}, ErrInvalidHandle{"endpoint"}
	}
	c, err := w.getRequest(params.Request)
	if err != nil {
		return Request{}, err
	}

	s := &c.send
	s.ep = ep
	s.dt = dt
	s.buf = buf
	s.iov = iov
	s.tag = tag
	s.stream = stream
	s.memType = params.MemoryType
	s.hideRegErrors = params.HideRegErrors
	s.lane = ep.amLane
	if dt == dtIOV {
		for _, seg := range iov {
			s.length += len(seg)
		}
	} else {
		s.length = len(buf)
	}

	lim := ep.lanes[s.lane].lane.Limits()
	maxShort := lim.MaxShort - ps.onlyHdrSize
	if dt != dtContig {
		maxShort = -1
	}
	if err := w.selectAndStart(c, maxShort, w.cfg.ZcopyThreshold, w.cfg.RendezvousThreshold, len(iov), lim, ps); err != nil {
		if err != error(ucs.StatusOf(err)) {
			c.cause = err
		}
		w.complete(c, ucs.StatusOf(err))
		return ep.settled(c)
	}

	w.progressSend(c, NullLane)
	if c.flags&flagCompleted != 0 {
		return ep.settled(c)
	}
	ep.inflight[c] = struct{}{}
	if params.Callback != nil {
		c.sendCB = params.Callback
		c.flags |= flagCallback
	}
	return c.handle(), nil
}

// settled finishes a send that completed inside the posting call. Pool
// requests are recycled at once; caller-owned ones keep their status.
func (ep *Endpoint) settled(c *control) (Request, error) {
	err := c.err()
	if c.flags&flagExternal != 0 {
		return c.handle(), err
	}
	ep.worker.put(c)
	return Request{}, err
}

// StreamRecv receives at least one and at most len(buf) bytes of the stream
// from the peer. If data is already buffered the returned request is
// complete and the callback is not invoked.
func (ep *Endpoint) StreamRecv(buf []byte, params StreamRecvParams) (Request, error) {
	w := ep.worker
	if w.closed.Load() {
		return Request{}, ErrWorkerClosed
	}
	if len(buf) == 0 {
		return Request{}, ucs.ErrInvalidParam.WithOp("ucp: empty stream receive buffer")
	}
	w.enter()
	defer w.exit()
	if ep.closed {
		return Request{}, ErrInvalidHandle{"endpoint"}
	}
	c, err := w.getRequest(params.Request)
	if err != nil {
		return Request{}, err
	}
	c.flags |= flagRecv | flagStreamRecv
	c.recv.buf = buf
	c.recv.ep = ep

	q := w.stream(ep.peer)
	if len(q.data) > 0 && len(q.waiters) == 0 {
		w.streamFill(c, q)
	} else {
		q.waiters = append(q.waiters, c)
	}
	if c.flags&flagCompleted == 0 && params.Callback != nil {
		c.streamCB = params.Callback
		c.flags |= flagCallback
	}
	return c.handle(), nil
}

// Close abandons the endpoint. Queued sends are purged from their lanes and
// every outstanding send completes with ucs.ErrEndpointClosed, as do stream
// receives waiting on the endpoint.
func (ep *Endpoint) Close() error {
	w := ep.worker
	w.enter()
	defer w.exit()
	if ep.closed {
		return nil
	}
	ep.closed = true

	for _, l := range ep.lanes {
		l.lane.PendingPurge(func(req uct.PendingRequest) {
			if c, ok := req.(*control); ok {
				c.send.pendingLane = NullLane
			}
		})
	}
	var closeErr error
	for _, l := range ep.lanes {
		if closer, ok := l.lane.(io.Closer); ok {
			if err := closer.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	}
	for c := range ep.inflight {
		w.sendStateFastForward(c, ucs.ErrEndpointClosed)
	}
	w.streamCloseEndpoint(ep)
	delete(w.endpoints, ep)
	return closeErr
}
