package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/lappnet/lapphost/internal/app/domain/peer"
)

// InmemNetwork links in-process transports by address. Used by tests and by
// single-process multi-node setups.
type InmemNetwork struct {
	mu         sync.RWMutex
	transports map[string]*InmemTransport
}

// NewInmemNetwork creates an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{transports: make(map[string]*InmemTransport)}
}

// Transport registers a new node on the network.
func (n *InmemNetwork) Transport(id peer.Identity) *InmemTransport {
	t := &InmemTransport{
		network:  n,
		id:       id,
		addr:     "inmem/" + id.ID()[:12],
		consumer: make(chan Inbound, 256),
		links:    make(map[string]*InmemTransport),
		closed:   make(chan struct{}),
	}
	n.mu.Lock()
	n.transports[t.addr] = t
	n.mu.Unlock()
	return t
}

func (n *InmemNetwork) lookup(addr string) *InmemTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.transports[addr]
}

// InmemTransport is a Transport that delivers envelopes through channels.
type InmemTransport struct {
	network  *InmemNetwork
	id       peer.Identity
	addr     string
	consumer chan Inbound

	mu    sync.RWMutex
	links map[string]*InmemTransport

	closeOnce sync.Once
	closed    chan struct{}
}

// Start implements Transport.
func (t *InmemTransport) Start() error { return nil }

// Addr implements Transport.
func (t *InmemTransport) Addr() string { return t.addr }

// Consumer implements Transport.
func (t *InmemTransport) Consumer() <-chan Inbound { return t.consumer }

// Dial links both endpoints and emits a Hello on each side.
func (t *InmemTransport) Dial(_ context.Context, addr string) (string, error) {
	remote := t.network.lookup(addr)
	if remote == nil {
		return "", fmt.Errorf("no node at %s", addr)
	}
	if remote == t {
		return "", fmt.Errorf("refusing session with self")
	}

	t.mu.Lock()
	if _, exists := t.links[remote.id.ID()]; exists {
		t.mu.Unlock()
		return remote.id.ID(), nil
	}
	t.links[remote.id.ID()] = remote
	t.mu.Unlock()

	remote.mu.Lock()
	remote.links[t.id.ID()] = t
	remote.mu.Unlock()

	t.deliver(Inbound{From: remote.id.ID(), Env: Envelope{Kind: envHello}})
	remote.deliver(Inbound{From: t.id.ID(), Env: Envelope{Kind: envHello}})
	return remote.id.ID(), nil
}

// Send implements Transport.
func (t *InmemTransport) Send(peerID string, env Envelope) error {
	t.mu.RLock()
	remote := t.links[peerID]
	t.mu.RUnlock()
	if remote == nil {
		return fmt.Errorf("no session with peer %s", peerID)
	}
	remote.deliver(Inbound{From: t.id.ID(), Env: env})
	return nil
}

// Peers implements Transport.
func (t *InmemTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	return ids
}

func (t *InmemTransport) deliver(in Inbound) {
	select {
	case t.consumer <- in:
	case <-t.closed:
	}
}

// Close implements Transport.
func (t *InmemTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		peers := t.links
		t.links = make(map[string]*InmemTransport)
		t.mu.Unlock()
		for _, remote := range peers {
			remote.mu.Lock()
			delete(remote.links, t.id.ID())
			remote.mu.Unlock()
		}
		t.network.mu.Lock()
		delete(t.network.transports, t.addr)
		t.network.mu.Unlock()
	})
	return nil
}
