package ucp

import (
	"math/bits"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

type datatype uint8

const (
	dtContig datatype = iota
	dtIOV
	dtGeneric
)

func (d datatype) String() string {
	switch d {
	case dtContig:
		return "contig"
	case dtIOV:
		return "iov"
	default:
		return "generic"
	}
}

// MaxOpMDs bounds the number of memory domains a single buffer is registered
// on.
const MaxOpMDs = 4

// regDesc holds the registrations of one buffer. handles[i] belongs to the
// domain of the i-th set bit of mdMap.
type regDesc struct {
	mdMap   uint64
	handles [MaxOpMDs]uct.MemHandle
}

// regState is the registration state of a send buffer: one descriptor for a
// contiguous buffer, or one per fragment of an iov that lives only for the
// duration of the zero-copy operation.
type regState struct {
	contig regDesc
	iov    []regDesc
}

func (r *regState) mdMap() uint64 {
	m := r.contig.mdMap
	for i := range r.iov {
		m |= r.iov[i].mdMap
	}
	return m
}

func (r *regState) empty() bool {
	return r.contig.mdMap == 0 && r.iov == nil
}

// memRegister registers buf (or each non-empty fragment of iov) on every
// domain of mdMap able to handle memType. A failure releases everything
// registered by this call before it is returned.
func (w *Worker) memRegister(mdMap uint64, dt datatype, buf []byte, iov [][]byte, memType ucs.MemoryType,
	state *regState, hidden bool) error {
	var (
		err       error
		fragments int
	)
	switch dt {
	case dtContig:
		fragments = 1
		err = w.regBuffer(mdMap, buf, memType, &state.contig)
	case dtIOV:
		fragments = len(iov)
		err = w.regIOV(mdMap, iov, memType, state)
	default:
		err = ucs.ErrInvalidParam.WithOp("ucp: register " + dt.String() + " datatype")
	}
	w.observer.MemoryRegistered(RegistrationEvent{
		Worker:     w.name,
		Requested:  mdMap,
		Achieved:   state.mdMap(),
		MemoryType: memType,
		Fragments:  fragments,
		Err:        err,
		Hidden:     hidden,
	})
	return err
}

func (w *Worker) regIOV(mdMap uint64, iov [][]byte, memType ucs.MemoryType, state *regState) error {
	regs := make([]regDesc, len(iov))
	for i, seg := range iov {
		if len(seg) == 0 {
			// Empty fragments keep an empty map.
			continue
		}
		if err := w.regBuffer(mdMap, seg, memType, &regs[i]); err != nil {
			for j := 0; j < i; j++ {
				_ = w.deregBuffer(&regs[j])
			}
			state.iov = nil
			return err
		}
	}
	state.iov = regs
	return nil
}

func (w *Worker) regBuffer(mdMap uint64, buf []byte, memType ucs.MemoryType, desc *regDesc) error {
	ucs.Assertf(bits.OnesCount64(mdMap) <= MaxOpMDs, "%d domains requested, at most %d allowed",
		bits.OnesCount64(mdMap), MaxOpMDs)
	desc.mdMap = 0
	for m := mdMap; m != 0; m &= m - 1 {
		md := bits.TrailingZeros64(m)
		dom := w.domains[md]
		if !dom.NeedsRegistration() || !dom.SupportsMemoryType(memType) {
			continue
		}
		h, err := dom.Register(buf, uct.AccessRMA, memType)
		if err != nil {
			_ = w.deregBuffer(desc)
			return err
		}
		desc.handles[bits.OnesCount64(desc.mdMap)] = h
		desc.mdMap |= 1 << uint(md)
	}
	return nil
}

// deregBuffer releases every handle of desc and zeroes its map, so a second
// call is a no-op. The first domain error is returned; the rest are dropped.
func (w *Worker) deregBuffer(desc *regDesc) error {
	var first error
	rank := 0
	for m := desc.mdMap; m != 0; m &= m - 1 {
		md := bits.TrailingZeros64(m)
		if err := w.domains[md].Deregister(desc.handles[rank]); err != nil && first == nil {
			first = err
		}
		desc.handles[rank] = nil
		rank++
	}
	desc.mdMap = 0
	return first
}

// memDeregister mirrors memRegister. It is safe on a state that was never
// registered or was already deregistered.
func (w *Worker) memDeregister(dt datatype, state *regState) error {
	switch dt {
	case dtContig:
		return w.deregBuffer(&state.contig)
	case dtIOV:
		var first error
		for i := range state.iov {
			if err := w.deregBuffer(&state.iov[i]); err != nil && first == nil {
				first = err
			}
		}
		state.iov = nil
		return first
	default:
		return nil
	}
}

// registerForRequest registers the send buffer on the domain of lane.
func (w *Worker) registerForRequest(c *control, lane int) error {
	s := &c.send
	s.regMD = s.ep.lanes[lane].md
	var mdMap uint64
	if s.regMD != NoDomain {
		mdMap = 1 << uint(s.regMD)
	}
	return w.memRegister(mdMap, s.dt, s.buf, s.iov, s.memType, &s.reg, s.hideRegErrors)
}

// deregisterForRequest is the single release point for send registrations.
func (w *Worker) deregisterForRequest(c *control) {
	s := &c.send
	if s.reg.empty() {
		return
	}
	released := s.reg.mdMap()
	err := w.memDeregister(s.dt, &s.reg)
	w.observer.MemoryDeregistered(RegistrationEvent{
		Worker:     w.name,
		Requested:  released,
		MemoryType: s.memType,
		Fragments:  max(len(s.iov), 1),
		Err:        err,
		Hidden:     s.hideRegErrors,
	})
}

func countNonEmpty(iov [][]byte) int {
	n := 0
	for _, seg := range iov {
		if len(seg) > 0 {
			n++
		}
	}
	return n
}
