package ucp

import (
	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

type requestFlags uint16

const (
	flagCompleted requestFlags = 1 << iota
	flagReleased
	flagCallback
	flagExpected
	flagOffloaded
	flagRecv
	flagStreamRecv
	flagExternal
	// flagNotifying is set while the completion callback is queued or
	// running; the slot must not be recycled until it clears.
	flagNotifying
)

// control is the per-request control block. Pool slots are reused; gen
// changes every time a slot is recycled so stale handles are caught.
type control struct {
	worker *Worker
	gen    uint32
	flags  requestFlags
	status ucs.Status
	// cause keeps an opaque transport or domain error for Err.
	cause error
	user  []byte

	sendCB   SendCallback
	tagCB    TagRecvCallback
	streamCB StreamRecvCallback

	send sendState
	recv recvState

	// Bound once per slot so the send path does not allocate closures.
	packFn     uct.PackFunc
	zcopyFn    func(*uct.Completion, ucs.Status)
	iovScratch [][]byte
}

// prepare resets the per-operation fields of a slot.
func (c *control) prepare(flags requestFlags) {
	c.flags = flags
	c.status = ucs.StatusInProgress
	c.cause = nil
	c.sendCB, c.tagCB, c.streamCB = nil, nil, nil
	c.send = sendState{lane: NullLane, pendingLane: NullLane, regMD: NoDomain}
	c.recv = recvState{}
}

func (c *control) err() error {
	if c.cause != nil {
		return c.cause
	}
	return c.status.AsError()
}

func (c *control) handle() Request {
	return Request{ctl: c, gen: c.gen}
}

// Request is an opaque handle to an operation. The zero value refers to no
// request: sends that finish inside the posting call return it.
//
// A handle stays valid until the request has completed and been released.
// Using it afterwards is a programming error and panics, except for
// Worker.Cancel which ignores stale handles.
type Request struct {
	ctl *control
	gen uint32
}

// Valid reports whether the handle refers to a request.
func (r Request) Valid() bool {
	return r.ctl != nil
}

// controlBlock locks the owning worker and returns the control block behind
// the handle. Callers must call w.exit.
func (r Request) controlBlock() (*Worker, *control) {
	ucs.Assertf(r.ctl != nil, "use of empty request handle")
	w := r.ctl.worker
	w.enter()
	ucs.Assertf(r.ctl.gen == r.gen, "use of recycled request handle (gen %d, slot gen %d)", r.gen, r.ctl.gen)
	return w, r.ctl
}

// IsCompleted reports whether the request reached a terminal status. It
// never blocks.
func (r Request) IsCompleted() bool {
	w, c := r.controlBlock()
	done := c.flags&flagCompleted != 0
	w.exit()
	return done
}

// CheckStatus returns ucs.StatusInProgress until the request completes and
// its terminal status afterwards.
func (r Request) CheckStatus() ucs.Status {
	w, c := r.controlBlock()
	status := ucs.StatusInProgress
	if c.flags&flagCompleted != 0 {
		status = c.status
		ucs.Assertf(status != ucs.StatusInProgress, "completed request with in-progress status")
	}
	w.exit()
	return status
}

// Err returns ucs.StatusInProgress while the request is in flight, then nil
// on success or the terminal error. Transport and domain errors are returned
// verbatim.
func (r Request) Err() error {
	w, c := r.controlBlock()
	var err error = ucs.StatusInProgress
	if c.flags&flagCompleted != 0 {
		err = c.err()
	}
	w.exit()
	return err
}

// TestTagRecv behaves as CheckStatus and, once the request is terminal,
// returns the matched tag and received length. It panics on a request that
// is not a tagged receive.
func (r Request) TestTagRecv() (TagRecvInfo, ucs.Status) {
	w, c := r.controlBlock()
	defer w.exit()
	ucs.Assertf(c.flags&(flagRecv|flagStreamRecv) == flagRecv, "TestTagRecv on a request that is not a tagged receive")
	if c.flags&flagCompleted == 0 {
		return TagRecvInfo{}, ucs.StatusInProgress
	}
	return c.recv.info, c.status
}

// TestStreamRecv behaves as CheckStatus and, once the request is terminal,
// returns the number of bytes received. It panics on a request that is not a
// stream receive.
func (r Request) TestStreamRecv() (int, ucs.Status) {
	w, c := r.controlBlock()
	defer w.exit()
	ucs.Assertf(c.flags&flagStreamRecv != 0, "TestStreamRecv on a request that is not a stream receive")
	if c.flags&flagCompleted == 0 {
		return 0, ucs.StatusInProgress
	}
	return c.recv.length, c.status
}

// Test reports the request status and, for a completed receive, its result.
//
// Deprecated: use CheckStatus, TestTagRecv or TestStreamRecv.
func (r Request) Test() (TagRecvInfo, ucs.Status) {
	w, c := r.controlBlock()
	defer w.exit()
	if c.flags&flagCompleted == 0 {
		return TagRecvInfo{}, ucs.StatusInProgress
	}
	switch {
	case c.flags&flagStreamRecv != 0:
		return TagRecvInfo{Length: c.recv.length}, c.status
	case c.flags&flagRecv != 0:
		return c.recv.info, c.status
	default:
		return TagRecvInfo{}, c.status
	}
}

// UserData returns the slot's user area. Its contents persist across reuse
// of the slot.
func (r Request) UserData() []byte {
	w, c := r.controlBlock()
	user := c.user
	w.exit()
	return user
}

// Release tells the worker the caller is done with the handle. A completed
// request is recycled at once; otherwise it is recycled when it completes and
// its callback still fires.
func (r Request) Release() {
	r.release(0)
}

// Free is Release without notification: the completion callback of a
// request still in flight is suppressed.
func (r Request) Free() {
	r.release(flagCallback)
}

func (r Request) release(clear requestFlags) {
	w, c := r.controlBlock()
	ucs.Assertf(c.flags&flagExternal == 0, "release of a caller-owned request")
	w.releaseRequest(c, clear)
	w.exit()
}

// ExternalRequest is a control block owned by the caller. It is never
// returned to the worker pool and must not be released; it can be passed to
// a new operation once the previous one completed.
type ExternalRequest struct {
	ctl control
}

// NewExternalRequest allocates a caller-owned request bound to w.
func (w *Worker) NewExternalRequest() *ExternalRequest {
	e := &ExternalRequest{}
	w.initControl(&e.ctl)
	e.ctl.flags = flagExternal | flagCompleted
	e.ctl.status = ucs.StatusOK
	return e
}

// Request returns a handle to the operation most recently posted with e.
func (e *ExternalRequest) Request() Request {
	return e.ctl.handle()
}

// getRequest hands out a control block for a new operation. Called with the
// critical section held.
func (w *Worker) getRequest(ext *ExternalRequest) (*control, error) {
	if ext != nil {
		c := &ext.ctl
		ucs.Assertf(c.worker == w, "external request used on a foreign worker")
		ucs.Assertf(c.flags&flagCompleted != 0 && c.flags&flagNotifying == 0,
			"external request reused while in flight")
		c.gen++
		c.prepare(flagExternal)
		return c, nil
	}
	c, err := w.pool.Get()
	if err != nil {
		return nil, err
	}
	c.prepare(0)
	return c, nil
}

func (w *Worker) initControl(c *control) {
	c.worker = w
	c.send.lane, c.send.pendingLane, c.send.regMD = NullLane, NullLane, NoDomain
	if w.cfg.RequestSize > 0 {
		c.user = make([]byte, w.cfg.RequestSize)
	}
	c.packFn = c.send.pack
	c.zcopyFn = func(_ *uct.Completion, status ucs.Status) {
		w.zcopyCompleted(c, status)
	}
	if w.cfg.RequestInit != nil {
		w.cfg.RequestInit(c.user)
	}
}

func (w *Worker) cleanupControl(c *control) {
	if w.cfg.RequestCleanup != nil {
		w.cfg.RequestCleanup(c.user)
	}
}
