package uct

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/rocketbitz/ucp-go/ucs"
)

var ifaceSeq atomic.Uint64

// IfaceOptions configures an in-process copy interface.
type IfaceOptions struct {
	Name   string
	Limits Limits
	// InboxDepth bounds the fragments a peer may queue before its sends
	// return ErrNoResource. Zero means unbounded.
	InboxDepth int
	// DeferZcopy completes zero-copy sends from Progress instead of
	// reporting them finished immediately.
	DeferZcopy bool
	// TagOffload enables transport-side matching of single-fragment tagged
	// messages.
	TagOffload bool
}

// DefaultLimits are used when IfaceOptions.Limits is zero.
var DefaultLimits = Limits{
	MaxShort: 256,
	MaxBcopy: 8192,
	MaxZcopy: 65536,
	MaxIOV:   8,
}

type fragment struct {
	hdr  Header
	data []byte
}

type deferredComp struct {
	lane *CopyLane
	comp *Completion
}

type offloadEntry struct {
	tag  uint64
	mask uint64
	buf  []byte
	ctx  TagRecvContext
}

// Iface is an in-process transport interface. Lanes created with Connect
// copy outgoing fragments into the remote interface's inbox, which is drained
// by that interface's Progress. Only the inbox is shared between goroutines;
// everything else is owned by the worker that progresses the interface.
type Iface struct {
	id      uint64
	opts    IfaceOptions
	handler AMHandler

	mu     sync.Mutex
	inbox  *queue.Queue
	closed bool

	lanes    []*CopyLane
	deferred []deferredComp
	offload  []offloadEntry
	canceled []TagRecvContext
}

var _ Interface = (*Iface)(nil)
var _ TagOffloader = (*Iface)(nil)

// NewIface constructs a copy interface.
func NewIface(opts IfaceOptions) *Iface {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits
	}
	return &Iface{
		id:    ifaceSeq.Add(1),
		opts:  opts,
		inbox: queue.New(),
	}
}

// ID identifies the interface as a fragment source.
func (i *Iface) ID() uint64 {
	return i.id
}

// Name returns the configured interface name.
func (i *Iface) Name() string {
	return i.opts.Name
}

// SetHandler installs the inbound fragment handler.
func (i *Iface) SetHandler(h AMHandler) {
	i.handler = h
}

// Connect creates a lane from i to remote. The lane's pending queue is
// dispatched by i.Progress.
func (i *Iface) Connect(remote *Iface) *CopyLane {
	l := &CopyLane{
		local:   i,
		remote:  remote,
		limits:  i.opts.Limits,
		pending: queue.New(),
	}
	i.lanes = append(i.lanes, l)
	return l
}

// Disconnect detaches a lane from progress and drops its deferred zero-copy
// completions. Its pending queue must have been purged.
func (i *Iface) Disconnect(l *CopyLane) {
	for idx, cur := range i.lanes {
		if cur == l {
			i.lanes = append(i.lanes[:idx], i.lanes[idx+1:]...)
			break
		}
	}
	kept := i.deferred[:0]
	for _, d := range i.deferred {
		if d.lane != l {
			kept = append(kept, d)
		}
	}
	i.deferred = kept
}

// InboxLen reports the number of undelivered inbound fragments.
func (i *Iface) InboxLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inbox.Length()
}

// hasRoom also reports true for a closed interface so senders fail fast.
func (i *Iface) hasRoom() bool {
	if i.opts.InboxDepth <= 0 {
		return true
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed || i.inbox.Length() < i.opts.InboxDepth
}

// Close drops queued inbound fragments. Later sends into the interface fail
// with ucs.ErrEndpointClosed.
func (i *Iface) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	i.inbox = queue.New()
}

func (i *Iface) push(hdr Header, data []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ucs.ErrEndpointClosed
	}
	if i.opts.InboxDepth > 0 && i.inbox.Length() >= i.opts.InboxDepth {
		return ucs.ErrNoResource
	}
	i.inbox.Add(&fragment{hdr: hdr, data: data})
	return nil
}

func (i *Iface) pop() *fragment {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.inbox.Length() == 0 {
		return nil
	}
	return i.inbox.Remove().(*fragment)
}

// Progress fires deferred zero-copy completions, reports canceled offloaded
// receives, delivers queued inbound fragments and dispatches lane pending
// queues.
func (i *Iface) Progress() int {
	count := 0

	if len(i.deferred) > 0 {
		comps := i.deferred
		i.deferred = nil
		for _, d := range comps {
			InvokeCompletion(d.comp, ucs.StatusOK)
			count++
		}
	}

	if len(i.canceled) > 0 {
		canceled := i.canceled
		i.canceled = nil
		for _, ctx := range canceled {
			ctx.TagRecvDone(0, 0, ucs.ErrCanceled)
			count++
		}
	}

	// Bound the drain so fragments queued by handlers wait for the next call.
	for n := i.InboxLen(); n > 0; n-- {
		frag := i.pop()
		if frag == nil {
			break
		}
		i.deliver(frag)
		count++
	}

	for _, l := range i.lanes {
		count += l.dispatchPending()
	}
	return count
}

func (i *Iface) deliver(frag *fragment) {
	if i.opts.TagOffload && !frag.hdr.Stream && frag.hdr.Kind == FragOnly {
		for idx, entry := range i.offload {
			if (entry.tag^frag.hdr.Tag)&entry.mask != 0 {
				continue
			}
			i.offload = append(i.offload[:idx], i.offload[idx+1:]...)
			n := copy(entry.buf, frag.data)
			status := ucs.StatusOK
			if len(frag.data) > len(entry.buf) {
				status = ucs.ErrMessageTruncated
			}
			entry.ctx.TagRecvDone(frag.hdr.Tag, n, status)
			return
		}
	}
	if i.handler != nil {
		i.handler(frag.hdr, frag.data)
	}
}

// TagRecvZcopy posts buf for transport-side matching.
func (i *Iface) TagRecvZcopy(tag, mask uint64, buf []byte, ctx TagRecvContext) error {
	if !i.opts.TagOffload {
		return ucs.ErrUnsupported
	}
	i.offload = append(i.offload, offloadEntry{tag: tag, mask: mask, buf: buf, ctx: ctx})
	return nil
}

// TagRecvCancel withdraws an offloaded receive.
func (i *Iface) TagRecvCancel(ctx TagRecvContext, force bool) error {
	for idx, entry := range i.offload {
		if entry.ctx != ctx {
			continue
		}
		i.offload = append(i.offload[:idx], i.offload[idx+1:]...)
		if !force {
			i.canceled = append(i.canceled, ctx)
		}
		return nil
	}
	return ucs.ErrNoMessage
}

// OffloadedCount reports receives currently posted for transport matching.
func (i *Iface) OffloadedCount() int {
	return len(i.offload)
}

// CopyLane sends by copying into a remote Iface inbox.
type CopyLane struct {
	local   *Iface
	remote  *Iface
	limits  Limits
	pending *queue.Queue
	// purges counts PendingPurge calls.
	purges uint64
}

var _ Lane = (*CopyLane)(nil)

// Limits reports the lane capabilities.
func (l *CopyLane) Limits() Limits {
	return l.limits
}

// Remote returns the interface the lane delivers to.
func (l *CopyLane) Remote() *Iface {
	return l.remote
}

// PendingLen reports the number of queued continuations.
func (l *CopyLane) PendingLen() int {
	return l.pending.Length()
}

func (l *CopyLane) stamp(hdr Header) Header {
	hdr.Src = l.local.id
	return hdr
}

// SendShort copies payload inline.
func (l *CopyLane) SendShort(hdr Header, payload []byte) error {
	if hdr.Size()+len(payload) > l.limits.MaxShort {
		return ucs.ErrInvalidParam.WithOp("send short")
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return l.remote.push(l.stamp(hdr), data)
}

// SendBcopy packs into a lane buffer.
func (l *CopyLane) SendBcopy(hdr Header, pack PackFunc) (int, error) {
	room := l.limits.MaxBcopy - hdr.Size()
	if room < 0 {
		return 0, ucs.ErrInvalidParam.WithOp("send bcopy")
	}
	if !l.remote.hasRoom() {
		return 0, ucs.ErrNoResource
	}
	buf := make([]byte, room)
	n := pack(buf)
	if err := l.remote.push(l.stamp(hdr), buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// SendZcopy copies the iov entries into the remote inbox. With DeferZcopy the
// completion fires from the local interface's Progress.
func (l *CopyLane) SendZcopy(hdr Header, iov [][]byte, comp *Completion) error {
	if len(iov) > l.limits.MaxIOV {
		return ucs.ErrInvalidParam.WithOp("send zcopy")
	}
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	if hdr.Size()+total > l.limits.MaxZcopy {
		return ucs.ErrInvalidParam.WithOp("send zcopy")
	}
	data := make([]byte, 0, total)
	for _, seg := range iov {
		data = append(data, seg...)
	}
	if err := l.remote.push(l.stamp(hdr), data); err != nil {
		return err
	}
	if l.local.opts.DeferZcopy && comp != nil {
		l.local.deferred = append(l.local.deferred, deferredComp{lane: l, comp: comp})
		return ucs.StatusInProgress
	}
	return nil
}

// Close disconnects the lane from its local interface.
func (l *CopyLane) Close() error {
	ucs.Assertf(l.pending.Length() == 0, "closing lane with %d pending requests", l.pending.Length())
	l.local.Disconnect(l)
	return nil
}

// PendingAdd queues req unless the remote inbox has room.
func (l *CopyLane) PendingAdd(req PendingRequest, _ uint) error {
	if l.remote.hasRoom() {
		return ucs.ErrBusy
	}
	l.pending.Add(req)
	return nil
}

// PendingPurge drains the pending queue.
func (l *CopyLane) PendingPurge(cb func(PendingRequest)) {
	l.purges++
	for l.pending.Length() > 0 {
		req := l.pending.Remove().(PendingRequest)
		if cb != nil {
			cb(req)
		}
	}
}

func (l *CopyLane) dispatchPending() int {
	count := 0
	for l.pending.Length() > 0 && l.remote.hasRoom() {
		req := l.pending.Peek().(PendingRequest)
		purges := l.purges
		switch req.Dispatch() {
		case ucs.StatusInProgress:
			count++
		case ucs.ErrNoResource:
			return count
		default:
			// A dispatch that purged the queue already removed req.
			if l.purges == purges {
				l.pending.Remove()
			}
			count++
		}
	}
	return count
}
