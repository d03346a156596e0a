package ucp

import (
	"errors"

	"github.com/rocketbitz/ucp-go/ucs"
)

// NullLane marks an unassigned lane.
const NullLane = -1

// pendingAdd queues c on its lane. On success it stores StatusInProgress in
// *status, records the pending lane and returns true. A busy lane has room
// again, so it returns false and the caller retries the send. Any other
// failure is stored in *status and the request counts as settled.
func (w *Worker) pendingAdd(c *control, status *ucs.Status, flags uint) bool {
	s := &c.send
	ucs.Assertf(s.lane != NullLane, "pending add without a lane")
	ucs.Assertf(s.pendingLane == NullLane, "request already pending on lane %d", s.pendingLane)
	err := s.ep.lanes[s.lane].lane.PendingAdd(c, flags)
	switch {
	case err == nil:
		*status = ucs.StatusInProgress
		s.pendingLane = s.lane
		return true
	case errors.Is(err, ucs.ErrBusy):
		return false
	default:
		*status = ucs.StatusOf(err)
		return true
	}
}

// progressSend drives the protocol of c until it finishes, fails or runs out
// of lane resources. queued is the lane whose pending queue is dispatching
// the request, or NullLane when called from the posting path. The result is
// the pending-dispatch status of that lane.
func (w *Worker) progressSend(c *control, queued int) ucs.Status {
	s := &c.send
	for {
		err := s.progress(w, c)
		switch {
		case err == nil:
			return ucs.StatusOK
		case errors.Is(err, ucs.StatusInProgress):
			continue
		case errors.Is(err, ucs.ErrNoResource):
			if queued != NullLane && s.lane == queued {
				s.pendingLane = queued
				return ucs.ErrNoResource
			}
			var status ucs.Status
			if w.pendingAdd(c, &status, 0) {
				if status.IsError() {
					w.sendFailed(c, status)
				}
				return ucs.StatusOK
			}
		default:
			w.sendFailed(c, err)
			return ucs.StatusOK
		}
	}
}

// Dispatch resumes a send from its lane's pending queue.
func (c *control) Dispatch() ucs.Status {
	queued := c.send.pendingLane
	c.send.pendingLane = NullLane
	return c.worker.progressSend(c, queued)
}
