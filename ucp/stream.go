package ucp

import "github.com/rocketbitz/ucp-go/ucs"

// streamQueue buffers stream bytes from one source and the receives waiting
// for them.
type streamQueue struct {
	data    []byte
	waiters []*control
}

func (w *Worker) stream(src uint64) *streamQueue {
	q, ok := w.streams[src]
	if !ok {
		q = &streamQueue{}
		w.streams[src] = q
	}
	return q
}

func (w *Worker) streamData(src uint64, payload []byte) {
	q := w.stream(src)
	q.data = append(q.data, payload...)
	for len(q.waiters) > 0 && len(q.data) > 0 {
		c := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w.streamFill(c, q)
	}
}

func (w *Worker) streamFill(c *control, q *streamQueue) {
	n := copy(c.recv.buf, q.data)
	q.data = q.data[n:]
	if len(q.data) == 0 {
		q.data = nil
	}
	c.recv.length = n
	w.complete(c, ucs.StatusOK)
}

func (w *Worker) streamCloseEndpoint(ep *Endpoint) {
	q, ok := w.streams[ep.peer]
	if !ok {
		return
	}
	kept := q.waiters[:0]
	for _, c := range q.waiters {
		if c.recv.ep != ep {
			kept = append(kept, c)
			continue
		}
		w.complete(c, ucs.ErrEndpointClosed)
	}
	for i := len(kept); i < len(q.waiters); i++ {
		q.waiters[i] = nil
	}
	q.waiters = kept
}
