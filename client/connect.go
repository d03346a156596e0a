package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Connect dials a client and completes a connection handshake with the
// listener at remote. The accepted peer becomes the client's default
// destination.
func Connect(cfg Config, remote Address) (*Client, error) {
	if remote == "" {
		return nil, errors.New("ucp client connect: remote address required")
	}
	v, ok := listeners.Load(remote)
	if !ok {
		return nil, fmt.Errorf("ucp client connect: no listener at %s", remote)
	}
	l := v.(*Listener)

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	client, err := Dial(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	peer, err := l.request(ctx, client.addr)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := client.RegisterPeer(peer, true); err != nil {
		client.Close()
		return nil, fmt.Errorf("register accepted peer: %w", err)
	}
	client.logf("client: connected to %s via %s", peer, remote)
	return client, nil
}
