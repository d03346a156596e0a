// Package uct defines the transport abstraction consumed by the protocol
// layer: lanes with short/bcopy/zcopy send primitives and a pending queue,
// interfaces that deliver inbound fragments, and memory domains that
// register buffers. It also ships an in-process copy transport and a
// configurable memory domain.
package uct

import "github.com/rocketbitz/ucp-go/ucs"

// Limits describes the capabilities of a lane.
type Limits struct {
	// MaxShort is the largest header+payload accepted by SendShort.
	MaxShort int
	// MaxBcopy is the largest header+payload accepted by SendBcopy.
	MaxBcopy int
	// MaxZcopy is the largest header+payload accepted by SendZcopy.
	MaxZcopy int
	// MaxIOV is the largest number of iov entries accepted by SendZcopy.
	MaxIOV int
}

// FragmentKind tells the receiver how a fragment relates to its message.
type FragmentKind uint8

const (
	// FragOnly carries a whole message.
	FragOnly FragmentKind = iota
	// FragFirst opens a multi-fragment message and carries its total length.
	FragFirst
	// FragMiddle continues a multi-fragment message at Offset.
	FragMiddle
)

func (k FragmentKind) String() string {
	switch k {
	case FragOnly:
		return "only"
	case FragFirst:
		return "first"
	case FragMiddle:
		return "middle"
	default:
		return "unknown"
	}
}

// Header sizes charged against lane limits, per fragment kind.
const (
	OnlyHeaderSize   = 8
	FirstHeaderSize  = 24
	MiddleHeaderSize = 16
)

// Header accompanies every fragment. Src is stamped by the sending lane.
type Header struct {
	Kind   FragmentKind
	Stream bool
	Tag    uint64
	MsgID  uint64
	Offset int
	Total  int
	Src    uint64
}

// Size returns the number of bytes the header occupies on the lane.
func (h Header) Size() int {
	switch h.Kind {
	case FragFirst:
		return FirstHeaderSize
	case FragMiddle:
		return MiddleHeaderSize
	default:
		return OnlyHeaderSize
	}
}

// AMHandler receives inbound fragments. The payload is only valid for the
// duration of the call.
type AMHandler func(hdr Header, payload []byte)

// PackFunc copies payload bytes into dst and returns the number written.
type PackFunc func(dst []byte) int

// Completion tracks outstanding zero-copy operations. Count is incremented
// by the poster for every operation that will complete asynchronously; Func
// runs when it drops to zero.
type Completion struct {
	Count  int
	Status ucs.Status
	Func   func(c *Completion, status ucs.Status)
}

// InvokeCompletion records status and fires c.Func when the last outstanding
// operation finishes. The first error wins.
func InvokeCompletion(c *Completion, status ucs.Status) {
	if status.IsError() && !c.Status.IsError() {
		c.Status = status
	}
	c.Count--
	ucs.Assertf(c.Count >= 0, "completion count underflow")
	if c.Count == 0 && c.Func != nil {
		c.Func(c, c.Status)
	}
}

// PendingRequest is a continuation queued on a busy lane. Dispatch returns
// StatusOK when finished (the lane drops it), StatusInProgress after partial
// progress (the lane retries it) and ErrNoResource when it could not make
// progress (the lane keeps it and stops dispatching).
type PendingRequest interface {
	Dispatch() ucs.Status
}

// Lane is one endpoint-to-endpoint path.
type Lane interface {
	Limits() Limits
	// SendShort copies payload inline. It returns ErrNoResource when the lane
	// cannot accept the fragment now.
	SendShort(hdr Header, payload []byte) error
	// SendBcopy asks pack to fill a transport buffer and returns the packed
	// length.
	SendBcopy(hdr Header, pack PackFunc) (int, error)
	// SendZcopy references iov directly. nil means the operation finished;
	// ucs.StatusInProgress means comp will be invoked later.
	SendZcopy(hdr Header, iov [][]byte, comp *Completion) error
	// PendingAdd queues req. It returns ucs.ErrBusy when the lane has room,
	// in which case the caller should retry the send directly.
	PendingAdd(req PendingRequest, flags uint) error
	// PendingPurge removes every queued request, passing each to cb.
	PendingPurge(cb func(PendingRequest))
}

// Interface is the receive side of a transport owned by one worker.
type Interface interface {
	SetHandler(h AMHandler)
	// Progress drives inbound delivery, deferred completions and pending
	// queues. It returns the number of events processed.
	Progress() int
}

// TagRecvContext is notified when an offloaded tagged receive finishes.
type TagRecvContext interface {
	TagRecvDone(tag uint64, length int, status ucs.Status)
}

// TagOffloader is implemented by interfaces that match tagged messages in
// the transport.
type TagOffloader interface {
	TagRecvZcopy(tag, mask uint64, buf []byte, ctx TagRecvContext) error
	// TagRecvCancel withdraws ctx. With force the receive is dropped
	// silently; otherwise ctx completes later with ErrCanceled.
	TagRecvCancel(ctx TagRecvContext, force bool) error
}

// Access selects the operations a registration must allow.
type Access uint32

const (
	AccessLocalRead Access = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite

	AccessRMA = AccessLocalRead | AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite
)

// MemHandle is an opaque registration.
type MemHandle interface {
	Key() uint64
}

// MemoryDomain registers memory for direct access by a transport.
type MemoryDomain interface {
	Name() string
	NeedsRegistration() bool
	SupportsMemoryType(mt ucs.MemoryType) bool
	Register(buf []byte, access Access, mt ucs.MemoryType) (MemHandle, error)
	Deregister(h MemHandle) error
}
