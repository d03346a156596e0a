package ucp

import (
	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// Protocol is the send strategy chosen for a message.
type Protocol uint8

const (
	ProtoNone Protocol = iota
	ProtoShort
	ProtoBcopySingle
	ProtoBcopyMulti
	ProtoZcopySingle
	ProtoZcopyMulti
	// ProtoNoProgress means the message is too large for eager protocols.
	ProtoNoProgress
)

var protocolNames = [...]string{
	ProtoNone:        "none",
	ProtoShort:       "short",
	ProtoBcopySingle: "bcopy_single",
	ProtoBcopyMulti:  "bcopy_multi",
	ProtoZcopySingle: "zcopy_single",
	ProtoZcopyMulti:  "zcopy_multi",
	ProtoNoProgress:  "no_progress",
}

func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return "unknown"
}

// Multi reports whether the protocol splits the message into fragments.
func (p Protocol) Multi() bool {
	return p == ProtoBcopyMulti || p == ProtoZcopyMulti
}

// Thresholds are the inputs of protocol selection.
type Thresholds struct {
	// MaxShort is the largest length sent inline. Negative disables short.
	MaxShort int
	// ZcopyThreshold is the smallest length sent zero-copy.
	ZcopyThreshold int
	// RendezvousThreshold is the smallest length refused.
	RendezvousThreshold int
	Limits              uct.Limits
	// HeaderSize is charged against the single-fragment limits.
	HeaderSize int
}

// Classify returns the protocol a contiguous message of length bytes gets.
// It is a pure function of its inputs.
func Classify(length int, th Thresholds) Protocol {
	switch {
	case length <= th.MaxShort:
		return ProtoShort
	case length < th.ZcopyThreshold:
		if length <= th.Limits.MaxBcopy-th.HeaderSize {
			return ProtoBcopySingle
		}
		return ProtoBcopyMulti
	case length < th.RendezvousThreshold:
		if length > th.Limits.MaxZcopy-th.HeaderSize {
			return ProtoZcopyMulti
		}
		return ProtoZcopySingle
	default:
		return ProtoNoProgress
	}
}

// protoSet describes one family of eager protocols.
type protoSet struct {
	name        string
	onlyHdrSize int
}

var (
	tagEagerProto = protoSet{name: "tag_eager", onlyHdrSize: uct.OnlyHeaderSize}
	streamProto   = protoSet{name: "stream", onlyHdrSize: uct.OnlyHeaderSize}
)

type progressFunc func(w *Worker, c *control) error

var progressFuncs = [...]progressFunc{
	ProtoShort:       progressShort,
	ProtoBcopySingle: progressBcopySingle,
	ProtoBcopyMulti:  progressBcopyMulti,
	ProtoZcopySingle: progressZcopySingle,
	ProtoZcopyMulti:  progressZcopyMulti,
}

// selectAndStart picks the protocol for c and prepares its send state.
// Zero-copy buffers are registered on the domain of the request's lane; a
// registration failure is returned before the protocol is installed. Lengths
// at or above zcopyMax yield ucs.ErrNoProgress. Exactly one ProtocolSelected
// event is emitted per call.
func (w *Worker) selectAndStart(c *control, maxShort, zcopyThresh, zcopyMax, dtCount int,
	lim uct.Limits, ps *protoSet) error {
	s := &c.send
	proto := Classify(s.length, Thresholds{
		MaxShort:            maxShort,
		ZcopyThreshold:      zcopyThresh,
		RendezvousThreshold: zcopyMax,
		Limits:              lim,
		HeaderSize:          ps.onlyHdrSize,
	})

	var err error
	switch proto {
	case ProtoShort:
	case ProtoBcopySingle, ProtoBcopyMulti:
		s.resetState(nil)
	case ProtoZcopySingle, ProtoZcopyMulti:
		s.resetState(c.zcopyFn)
		if err = w.registerForRequest(c, s.lane); err != nil {
			proto = ProtoNone
			break
		}
		if proto == ProtoZcopySingle && s.dt == dtIOV && dtCount > lim.MaxIOV &&
			countNonEmpty(s.iov[:dtCount]) > lim.MaxIOV {
			proto = ProtoZcopyMulti
		}
	case ProtoNoProgress:
		err = ucs.ErrNoProgress
	}

	if err == nil {
		if proto.Multi() {
			s.msgID = w.messageID
			w.messageID++
			s.bwIndex = 1
			s.pendingLane = NullLane
		}
		s.proto = proto
		s.progress = progressFuncs[proto]
	}
	w.observer.ProtocolSelected(ProtocolEvent{
		Worker:   w.name,
		Set:      ps.name,
		Protocol: proto,
		Length:   s.length,
		Err:      err,
	})
	return err
}
