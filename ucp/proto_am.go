package ucp

import (
	"errors"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// sendState is the send side of a request.
type sendState struct {
	ep            *Endpoint
	dt            datatype
	buf           []byte
	iov           [][]byte
	length        int
	memType       ucs.MemoryType
	tag           uint64
	stream        bool
	hideRegErrors bool

	// lane carries the next fragment; pendingLane is the lane whose pending
	// queue holds the request, or NullLane.
	lane        int
	pendingLane int
	proto       Protocol
	progress    progressFunc
	msgID       uint64
	bwIndex     int
	offset      int
	regMD       int
	reg         regState
	comp        uct.Completion
}

func (s *sendState) resetState(fn func(*uct.Completion, ucs.Status)) {
	s.offset = 0
	s.comp = uct.Completion{Func: fn}
}

func (s *sendState) header(kind uct.FragmentKind) uct.Header {
	return uct.Header{
		Kind:   kind,
		Stream: s.stream,
		Tag:    s.tag,
		MsgID:  s.msgID,
		Offset: s.offset,
		Total:  s.length,
	}
}

// pack copies the unsent bytes starting at offset into dst.
func (s *sendState) pack(dst []byte) int {
	if s.dt == dtContig {
		return copy(dst, s.buf[s.offset:])
	}
	skip, n := s.offset, 0
	for _, seg := range s.iov {
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		n += copy(dst[n:], seg[skip:])
		skip = 0
		if n == len(dst) {
			break
		}
	}
	return n
}

// gather collects up to maxBytes unsent bytes in at most maxIOV non-empty
// entries, reusing dst.
func (s *sendState) gather(dst [][]byte, maxBytes, maxIOV int) ([][]byte, int) {
	dst = dst[:0]
	if s.dt == dtContig {
		end := min(s.length, s.offset+maxBytes)
		return append(dst, s.buf[s.offset:end]), end - s.offset
	}
	skip, total := s.offset, 0
	for _, seg := range s.iov {
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		if len(dst) == maxIOV || total == maxBytes {
			break
		}
		seg = seg[skip:]
		skip = 0
		if room := maxBytes - total; len(seg) > room {
			seg = seg[:room]
		}
		dst = append(dst, seg)
		total += len(seg)
	}
	return dst, total
}

// multiLane picks the lane for the next fragment of a multi-fragment send.
// The first fragment uses the endpoint's AM lane; later ones rotate over the
// bandwidth lanes starting at bwIndex. Zero-copy fragments stay on lanes of
// the domain the buffer was registered on, and streams keep to one lane.
func (s *sendState) multiLane() int {
	if s.offset == 0 || s.stream {
		return s.ep.amLane
	}
	n := len(s.ep.lanes)
	for i := 0; i < n; i++ {
		idx := (s.bwIndex + i) % n
		if s.comp.Func != nil && s.ep.lanes[idx].md != s.regMD {
			continue
		}
		s.bwIndex += i
		return idx
	}
	return s.ep.amLane
}

func progressShort(w *Worker, c *control) error {
	s := &c.send
	if err := s.ep.lanes[s.lane].lane.SendShort(s.header(uct.FragOnly), s.buf); err != nil {
		return err
	}
	s.offset = s.length
	w.completeSend(c, ucs.StatusOK)
	return nil
}

func progressBcopySingle(w *Worker, c *control) error {
	s := &c.send
	n, err := s.ep.lanes[s.lane].lane.SendBcopy(s.header(uct.FragOnly), c.packFn)
	if err != nil {
		return err
	}
	s.offset += n
	ucs.Assertf(s.offset == s.length, "bcopy single packed %d of %d bytes", s.offset, s.length)
	w.completeSend(c, ucs.StatusOK)
	return nil
}

func progressBcopyMulti(w *Worker, c *control) error {
	s := &c.send
	kind := uct.FragMiddle
	if s.offset == 0 {
		kind = uct.FragFirst
	}
	s.lane = s.multiLane()
	n, err := s.ep.lanes[s.lane].lane.SendBcopy(s.header(kind), c.packFn)
	if err != nil {
		return err
	}
	ucs.Assertf(n > 0, "bcopy fragment carried no payload on lane %d", s.lane)
	s.offset += n
	if kind == uct.FragMiddle {
		s.bwIndex++
	}
	if s.offset < s.length {
		return ucs.StatusInProgress
	}
	w.completeSend(c, ucs.StatusOK)
	return nil
}

func progressZcopySingle(w *Worker, c *control) error {
	s := &c.send
	lane := s.ep.lanes[s.lane].lane
	iov, n := s.gather(c.iovScratch, s.length, lane.Limits().MaxIOV)
	c.iovScratch = iov
	ucs.Assertf(n == s.length, "zcopy single gathered %d of %d bytes", n, s.length)
	return w.postZcopy(c, lane, s.header(uct.FragOnly), iov, n)
}

func progressZcopyMulti(w *Worker, c *control) error {
	s := &c.send
	kind := uct.FragMiddle
	if s.offset == 0 {
		kind = uct.FragFirst
	}
	s.lane = s.multiLane()
	lane := s.ep.lanes[s.lane].lane
	lim := lane.Limits()
	hdr := s.header(kind)
	iov, n := s.gather(c.iovScratch, lim.MaxZcopy-hdr.Size(), lim.MaxIOV)
	c.iovScratch = iov
	ucs.Assertf(n > 0, "zcopy fragment carried no payload on lane %d", s.lane)
	before := s.offset
	err := w.postZcopy(c, lane, hdr, iov, n)
	if kind == uct.FragMiddle && s.offset > before {
		s.bwIndex++
	}
	return err
}

// postZcopy posts one zero-copy fragment. The completion counter covers the
// operation only while the transport holds it. After the last fragment the
// continuation runs here if nothing is outstanding.
func (w *Worker) postZcopy(c *control, lane uct.Lane, hdr uct.Header, iov [][]byte, n int) error {
	s := &c.send
	s.comp.Count++
	err := lane.SendZcopy(hdr, iov, &s.comp)
	switch {
	case err == nil:
		s.comp.Count--
	case errors.Is(err, ucs.StatusInProgress):
	default:
		s.comp.Count--
		return err
	}
	s.offset += n
	if s.offset < s.length {
		return ucs.StatusInProgress
	}
	if s.comp.Count == 0 {
		s.comp.Func(&s.comp, s.comp.Status)
	}
	return nil
}
