package ucp

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

// ThreadMode selects how a worker serializes access to its state.
type ThreadMode int

const (
	// ThreadModeSingle assumes one goroutine drives the worker. The critical
	// section compiles down to no-op calls.
	ThreadModeSingle ThreadMode = iota
	// ThreadModeMulti guards worker state with a mutex so any goroutine may
	// post, progress, release or cancel.
	ThreadModeMulti
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadModeSingle:
		return "single"
	case ThreadModeMulti:
		return "multi"
	default:
		return fmt.Sprintf("threadmode(%d)", int(m))
	}
}

const (
	// DefaultZcopyThreshold is the first message length sent zero-copy.
	DefaultZcopyThreshold = 8192
	// DefaultRendezvousThreshold is the first message length rejected with
	// ucs.ErrNoProgress.
	DefaultRendezvousThreshold = 1 << 20
	// DefaultRequestsPerChunk is the request pool growth step.
	DefaultRequestsPerChunk = 128
	// MaxDomains bounds Config.Domains; domains are addressed by a 64-bit map.
	MaxDomains = 64
)

// NoDomain marks a lane whose transport needs no memory registration.
const NoDomain = -1

var (
	// ErrWorkerClosed is returned by operations posted after Close.
	ErrWorkerClosed = errors.New("ucp: worker closed")
)

// ErrInvalidHandle reports use of a closed or foreign object.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "ucp: invalid or closed " + e.Resource + " handle"
}

// Config configures a Worker.
type Config struct {
	// Name identifies the worker in observer events. Defaults to a UUID.
	Name       string
	ThreadMode ThreadMode

	// RequestSize is the size of the user area attached to every request
	// slot, available through Request.UserData.
	RequestSize int
	// RequestInit runs once per physical request slot, when the slot is
	// carved, not on every reuse.
	RequestInit func(user []byte)
	// RequestCleanup runs once per physical request slot when the worker is
	// closed.
	RequestCleanup func(user []byte)
	// MaxRequests bounds the pool. Zero means unbounded.
	MaxRequests      int
	RequestsPerChunk int

	// ZcopyThreshold is the smallest length sent zero-copy.
	ZcopyThreshold int
	// RendezvousThreshold is the smallest length this engine refuses with
	// ucs.ErrNoProgress.
	RendezvousThreshold int

	// Domains are the memory domains lanes may register on, addressed by
	// index.
	Domains []uct.MemoryDomain
	// Iface configures the worker's transport interface.
	Iface uct.IfaceOptions

	Observer Observer
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = uuid.NewString()
	}
	if c.RequestsPerChunk <= 0 {
		c.RequestsPerChunk = DefaultRequestsPerChunk
	}
	if c.ZcopyThreshold <= 0 {
		c.ZcopyThreshold = DefaultZcopyThreshold
	}
	if c.RendezvousThreshold <= 0 {
		c.RendezvousThreshold = DefaultRendezvousThreshold
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Iface.Name == "" {
		c.Iface.Name = c.Name
	}
	return c
}

// TagThresholds returns the selection inputs a contiguous tagged send sees
// on a lane of the configured interface.
func (c Config) TagThresholds() Thresholds {
	lim := c.Iface.Limits
	if lim == (uct.Limits{}) {
		lim = uct.DefaultLimits
	}
	zcopy, rndv := c.ZcopyThreshold, c.RendezvousThreshold
	if zcopy <= 0 {
		zcopy = DefaultZcopyThreshold
	}
	if rndv <= 0 {
		rndv = DefaultRendezvousThreshold
	}
	return Thresholds{
		MaxShort:            lim.MaxShort - uct.OnlyHeaderSize,
		ZcopyThreshold:      zcopy,
		RendezvousThreshold: rndv,
		Limits:              lim,
		HeaderSize:          uct.OnlyHeaderSize,
	}
}

func (c Config) validate() error {
	if c.ZcopyThreshold >= c.RendezvousThreshold {
		return ucs.ErrInvalidParam.WithOp(fmt.Sprintf("ucp: zcopy threshold %d must be below rendezvous threshold %d",
			c.ZcopyThreshold, c.RendezvousThreshold))
	}
	if th := c.TagThresholds(); th.MaxShort >= c.ZcopyThreshold {
		return ucs.ErrInvalidParam.WithOp(fmt.Sprintf("ucp: short payload limit %d must be below zcopy threshold %d",
			th.MaxShort, c.ZcopyThreshold))
	}
	if len(c.Domains) > MaxDomains {
		return ucs.ErrInvalidParam.WithOp(fmt.Sprintf("ucp: %d memory domains exceeds %d", len(c.Domains), MaxDomains))
	}
	for idx, d := range c.Domains {
		if d == nil {
			return ucs.ErrInvalidParam.WithOp(fmt.Sprintf("ucp: memory domain %d is nil", idx))
		}
	}
	if c.RequestSize < 0 || c.MaxRequests < 0 {
		return ucs.ErrInvalidParam.WithOp("ucp: negative request pool sizing")
	}
	return nil
}

// EndpointOptions configures Connect and NewEndpoint.
type EndpointOptions struct {
	// Lanes is the number of lanes Connect opens. Defaults to 1.
	Lanes int
	// LaneDomains assigns a memory domain index (or NoDomain) to each lane
	// opened by Connect. Lanes without an entry use domain i%len(Domains).
	LaneDomains []int
	// Peer identifies the remote interface whose stream data the endpoint
	// receives. Connect fills it in.
	Peer uint64
}

// SendCallback is invoked once when a send that did not finish inside the
// posting call completes.
type SendCallback func(req Request, err error)

// TagRecvCallback is invoked once when a tagged receive completes after the
// posting call returned.
type TagRecvCallback func(req Request, info TagRecvInfo, err error)

// StreamRecvCallback is invoked once when a stream receive completes after
// the posting call returned.
type StreamRecvCallback func(req Request, length int, err error)

// SendParams tunes a send operation.
type SendParams struct {
	Callback SendCallback
	// MemoryType of the source buffer. Domains that cannot register it are
	// skipped.
	MemoryType ucs.MemoryType
	// HideRegErrors marks registration failures as expected; observers
	// receive them with Hidden set.
	HideRegErrors bool
	// Request supplies a caller-owned control block instead of a pool slot.
	Request *ExternalRequest
}

// TagRecvParams tunes a tagged receive.
type TagRecvParams struct {
	Callback TagRecvCallback
	Request  *ExternalRequest
}

// StreamRecvParams tunes a stream receive.
type StreamRecvParams struct {
	Callback StreamRecvCallback
	Request  *ExternalRequest
}
