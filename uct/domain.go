package uct

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/ucp-go/ucs"
)

// DomainOptions configures a Domain.
type DomainOptions struct {
	Name string
	// MemoryTypes lists the memory types the domain can register. Defaults
	// to host memory only.
	MemoryTypes []ucs.MemoryType
	// NoRegistration marks a domain whose transports access memory without
	// registration.
	NoRegistration bool
	// Inject is consulted before every registration with its zero-based
	// sequence number; a non-nil result fails that registration.
	Inject func(seq int) error
}

// Domain is an in-process memory domain. Registration hands out a key and
// tracks the handle until it is deregistered.
type Domain struct {
	opts DomainOptions

	mu      sync.Mutex
	seq     int
	nextKey uint64
	live    map[uint64]*memHandle
}

var _ MemoryDomain = (*Domain)(nil)

type memHandle struct {
	key     uint64
	domain  *Domain
	length  int
	memType ucs.MemoryType
	access  Access
}

func (h *memHandle) Key() uint64 {
	return h.key
}

// NewDomain constructs a memory domain.
func NewDomain(opts DomainOptions) *Domain {
	if len(opts.MemoryTypes) == 0 {
		opts.MemoryTypes = []ucs.MemoryType{ucs.MemoryTypeHost}
	}
	return &Domain{opts: opts, live: make(map[uint64]*memHandle)}
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.opts.Name
}

// NeedsRegistration reports whether buffers must be registered before
// zero-copy use.
func (d *Domain) NeedsRegistration() bool {
	return !d.opts.NoRegistration
}

// SupportsMemoryType reports whether mt can be registered.
func (d *Domain) SupportsMemoryType(mt ucs.MemoryType) bool {
	for _, t := range d.opts.MemoryTypes {
		if t == mt {
			return true
		}
	}
	return false
}

// Register records a registration for buf.
func (d *Domain) Register(buf []byte, access Access, mt ucs.MemoryType) (MemHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.seq
	d.seq++
	if d.opts.Inject != nil {
		if err := d.opts.Inject(seq); err != nil {
			return nil, err
		}
	}
	if !d.SupportsMemoryType(mt) {
		return nil, fmt.Errorf("domain %s: %w (memory type %s)", d.opts.Name, ucs.ErrUnsupported, mt)
	}
	if len(buf) == 0 {
		return nil, ucs.ErrInvalidParam.WithOp("register empty buffer")
	}

	d.nextKey++
	h := &memHandle{key: d.nextKey, domain: d, length: len(buf), memType: mt, access: access}
	d.live[h.key] = h
	return h, nil
}

// Deregister releases a handle returned by Register.
func (d *Domain) Deregister(h MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok || mh == nil || mh.domain != d {
		return ucs.ErrInvalidParam.WithOp("deregister foreign handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.live[mh.key]; !ok {
		return ucs.ErrInvalidParam.WithOp("deregister unknown handle")
	}
	delete(d.live, mh.key)
	return nil
}

// Registered reports the number of live registrations.
func (d *Domain) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Attempts reports the number of registration attempts, failed ones
// included.
func (d *Domain) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}
