package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/1ureka.net.relay/internal/identity"
)

// MemNetwork connects MemHosts in-process. Dialing creates a Pipe and runs
// the remote handler on its own goroutine.
type MemNetwork struct {
	mu    sync.RWMutex
	hosts map[identity.ID]*MemHost
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{hosts: make(map[identity.ID]*MemHost)}
}

// AddHost attaches a host with the given identity.
func (n *MemNetwork) AddHost(id identity.ID) *MemHost {
	h := &MemHost{id: id, net: n, handlers: make(map[string]HandlerFunc)}
	n.mu.Lock()
	n.hosts[id] = h
	n.mu.Unlock()
	return h
}

func (n *MemNetwork) host(id identity.ID) (*MemHost, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.hosts[id]
	return h, ok
}

// MemHost is a Host on a MemNetwork.
type MemHost struct {
	id  identity.ID
	net *MemNetwork

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	closed   bool
}

// ID returns the identity of this host.
func (h *MemHost) ID() identity.ID { return h.id }

// Handle registers the handler for a protocol id.
func (h *MemHost) Handle(protocol string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[protocol] = fn
	h.mu.Unlock()
}

// Dial opens a pipe to peer and hands the far end to its handler.
func (h *MemHost) Dial(ctx context.Context, peer identity.ID, protocol string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.isClosed() {
		return nil, ErrHostClosed
	}

	remote, ok := h.net.host(peer)
	if !ok || remote.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	remote.mu.RLock()
	fn, ok := remote.handlers[protocol]
	remote.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, protocol)
	}

	local, far := Pipe()
	go fn(far, h.id)
	return local, nil
}

// Close makes the host unreachable. Existing pipes stay open.
func (h *MemHost) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *MemHost) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
