package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrListenerClosed is returned by a closed Listener.
var ErrListenerClosed = errors.New("ucp client listener: closed")

// listeners maps listener addresses to live listeners.
var listeners sync.Map

const defaultBacklog = 16

// ListenerConfig controls listener setup.
type ListenerConfig struct {
	// Address names the listener. Defaults to a UUID.
	Address Address
	// Backlog bounds pending connection requests.
	Backlog int
	// Client configures every accepted client. Worker.Name is ignored.
	Client Config
}

// Listener accepts connection requests and turns each into a dedicated
// Client.
type Listener struct {
	cfg     ListenerConfig
	addr    Address
	backlog chan connRequest
	done    chan struct{}
	closed  atomic.Bool
	logger  Logger
}

type connRequest struct {
	from  Address
	reply chan connReply
}

type connReply struct {
	peer Address
	err  error
}

// Listen registers a listener under cfg.Address.
func Listen(cfg ListenerConfig) (*Listener, error) {
	if cfg.Address == "" {
		cfg.Address = Address(uuid.NewString())
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	l := &Listener{
		cfg:     cfg,
		addr:    cfg.Address,
		backlog: make(chan connRequest, cfg.Backlog),
		done:    make(chan struct{}),
		logger:  cfg.Client.Logger,
	}
	if _, loaded := listeners.LoadOrStore(l.addr, l); loaded {
		return nil, fmt.Errorf("ucp client listener: address %s already in use", l.addr)
	}
	return l, nil
}

// Close unregisters the listener and rejects queued requests.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	listeners.Delete(l.addr)
	close(l.done)
	for {
		select {
		case req := <-l.backlog:
			req.reply <- connReply{err: ErrListenerClosed}
		default:
			return nil
		}
	}
}

// Addr returns the address connectors pass to Connect.
func (l *Listener) Addr() (Address, error) {
	if l == nil || l.closed.Load() {
		return "", ErrListenerClosed
	}
	return l.addr, nil
}

// Accept waits for the next connection request and returns a Client whose
// default peer is the connector.
func (l *Listener) Accept(ctx context.Context) (*Client, error) {
	if l == nil {
		return nil, ErrListenerClosed
	}
	ctx = ensureContext(ctx)
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case req := <-l.backlog:
		l.logf("listener: connection request from %s", req.from)
		client, err := l.handleConnReq(req)
		if err != nil {
			req.reply <- connReply{err: err}
			return nil, err
		}
		req.reply <- connReply{peer: client.addr}
		return client, nil
	}
}

func (l *Listener) handleConnReq(req connRequest) (*Client, error) {
	cfg := l.cfg.Client
	cfg.Worker.Name = ""
	client, err := Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial accepted client: %w", err)
	}
	if err := client.RegisterPeer(req.from, true); err != nil {
		client.Close()
		return nil, fmt.Errorf("accept %s: %w", req.from, err)
	}
	client.logf("client: connection from %s accepted", req.from)
	return client, nil
}

// request queues a connection request from the client at from and waits
// for the accepted peer address.
func (l *Listener) request(ctx context.Context, from Address) (Address, error) {
	req := connRequest{from: from, reply: make(chan connReply, 1)}
	select {
	case l.backlog <- req:
	case <-l.done:
		return "", ErrListenerClosed
	case <-ctx.Done():
		return "", fmt.Errorf("ucp client: connect timeout exceeded: %w", ctx.Err())
	}
	select {
	case rep := <-req.reply:
		return rep.peer, rep.err
	case <-ctx.Done():
		return "", fmt.Errorf("ucp client: connect timeout exceeded: %w", ctx.Err())
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Debugf(format, args...)
}
