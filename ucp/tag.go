package ucp

import (
	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// TagRecvInfo describes a completed tagged receive.
type TagRecvInfo struct {
	SenderTag uint64
	Length    int
}

// recvState is the receive side of a request.
type recvState struct {
	buf  []byte
	tag  uint64
	mask uint64
	info TagRecvInfo

	ep     *Endpoint
	length int
}

type msgKey struct {
	src   uint64
	msgID uint64
}

// assembly is an inbound tagged message. Until a receive matches it the
// payload accumulates in data; afterwards it is copied straight into the
// receive buffer.
type assembly struct {
	tag      uint64
	total    int
	received int
	data     []byte
	recv     *control
}

// tagMatcher holds posted receives in FIFO order and unexpected messages in
// arrival order. Multi-fragment messages are tracked by source and message
// id until their last fragment arrives.
type tagMatcher struct {
	expected   []*control
	unexpected []*assembly
	assembling map[msgKey]*assembly
}

func newTagMatcher() tagMatcher {
	return tagMatcher{assembling: make(map[msgKey]*assembly)}
}

func tagMatches(tag, recvTag, mask uint64) bool {
	return (tag^recvTag)&mask == 0
}

func (tm *tagMatcher) removeExpected(c *control) {
	for i, cur := range tm.expected {
		if cur != c {
			continue
		}
		copy(tm.expected[i:], tm.expected[i+1:])
		tm.expected[len(tm.expected)-1] = nil
		tm.expected = tm.expected[:len(tm.expected)-1]
		break
	}
	c.flags &^= flagExpected
}

func (tm *tagMatcher) takeUnexpected(tag, mask uint64) *assembly {
	for i, a := range tm.unexpected {
		if !tagMatches(a.tag, tag, mask) {
			continue
		}
		copy(tm.unexpected[i:], tm.unexpected[i+1:])
		tm.unexpected[len(tm.unexpected)-1] = nil
		tm.unexpected = tm.unexpected[:len(tm.unexpected)-1]
		return a
	}
	return nil
}

// matchExpected removes and returns the first posted receive accepting tag.
// A receive also posted to the transport is withdrawn from it first.
func (w *Worker) matchExpected(tag uint64) *control {
	for _, c := range w.tm.expected {
		if !tagMatches(tag, c.recv.tag, c.recv.mask) {
			continue
		}
		w.tm.removeExpected(c)
		if c.flags&flagOffloaded != 0 {
			_ = w.offload.TagRecvCancel(c, true)
			c.flags &^= flagOffloaded
		}
		return c
	}
	return nil
}

// TagRecv posts buf for the first message whose tag matches tag under mask.
// A message that already arrived is consumed immediately; the returned
// request is then complete and the callback is not invoked.
func (w *Worker) TagRecv(buf []byte, tag, mask uint64, params TagRecvParams) (Request, error) {
	if w.closed.Load() {
		return Request{}, ErrWorkerClosed
	}
	w.enter()
	defer w.exit()
	c, err := w.getRequest(params.Request)
	if err != nil {
		return Request{}, err
	}
	c.flags |= flagRecv
	c.recv.buf = buf
	c.recv.tag = tag
	c.recv.mask = mask

	if a := w.tm.takeUnexpected(tag, mask); a != nil {
		copy(buf, a.data)
		if a.received == a.total {
			w.completeTagRecv(c, a.tag, a.total)
		} else {
			a.recv = c
			a.data = nil
		}
	} else {
		c.flags |= flagExpected
		w.tm.expected = append(w.tm.expected, c)
		if w.offload != nil {
			if err := w.offload.TagRecvZcopy(tag, mask, buf, c); err == nil {
				c.flags |= flagOffloaded
			}
		}
	}

	if c.flags&flagCompleted == 0 && params.Callback != nil {
		c.tagCB = params.Callback
		c.flags |= flagCallback
	}
	return c.handle(), nil
}

// TagRecvDone completes a receive matched or canceled by the transport.
func (c *control) TagRecvDone(tag uint64, length int, status ucs.Status) {
	w := c.worker
	c.flags &^= flagOffloaded
	if c.flags&flagExpected != 0 {
		w.tm.removeExpected(c)
	}
	c.recv.info = TagRecvInfo{SenderTag: tag, Length: length}
	w.complete(c, status)
}

// handleFragment is the interface's inbound handler. It runs inside
// Progress with the critical section held.
func (w *Worker) handleFragment(hdr uct.Header, payload []byte) {
	if hdr.Stream {
		w.streamData(hdr.Src, payload)
		return
	}
	switch hdr.Kind {
	case uct.FragOnly:
		if c := w.matchExpected(hdr.Tag); c != nil {
			copy(c.recv.buf, payload)
			w.completeTagRecv(c, hdr.Tag, len(payload))
			return
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		w.tm.unexpected = append(w.tm.unexpected, &assembly{
			tag:      hdr.Tag,
			total:    len(payload),
			received: len(payload),
			data:     data,
		})
	case uct.FragFirst:
		a := &assembly{tag: hdr.Tag, total: hdr.Total}
		if c := w.matchExpected(hdr.Tag); c != nil {
			a.recv = c
		} else {
			a.data = make([]byte, hdr.Total)
			w.tm.unexpected = append(w.tm.unexpected, a)
		}
		key := msgKey{src: hdr.Src, msgID: hdr.MsgID}
		w.tm.assembling[key] = a
		w.assemble(key, a, 0, payload)
	case uct.FragMiddle:
		key := msgKey{src: hdr.Src, msgID: hdr.MsgID}
		if a, ok := w.tm.assembling[key]; ok {
			w.assemble(key, a, hdr.Offset, payload)
		}
	}
}

func (w *Worker) assemble(key msgKey, a *assembly, offset int, payload []byte) {
	if a.recv != nil {
		if buf := a.recv.recv.buf; offset < len(buf) {
			copy(buf[offset:], payload)
		}
	} else {
		copy(a.data[offset:], payload)
	}
	a.received += len(payload)
	if a.received < a.total {
		return
	}
	delete(w.tm.assembling, key)
	if a.recv != nil {
		w.completeTagRecv(a.recv, a.tag, a.total)
	}
}
