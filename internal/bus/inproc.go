package bus

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
)

// Inproc is an in-process transport for tests and embedded workers: peers
// attach through Dial and exchange frames with the dispatcher without any
// sockets. Frame and disconnect semantics match the TCP transport.
type Inproc struct {
	handler Handler

	mu     sync.Mutex
	peers  map[string]*InprocPeer
	bound  bool
	closed bool
}

// InprocPeer is one attached worker endpoint.
type InprocPeer struct {
	addr      string
	transport *Inproc
	inbox     chan []string

	mu     sync.Mutex
	closed bool
}

// NewInproc builds an in-process transport delivering inbound traffic to
// handler.
func NewInproc(handler Handler) *Inproc {
	return &Inproc{
		handler: handler,
		peers:   make(map[string]*InprocPeer),
	}
}

// Bind marks the transport ready. Binding twice fails with ErrBind,
// mirroring an address conflict.
func (t *Inproc) Bind(uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrBind)
	}
	if t.bound {
		return fmt.Errorf("%w: %s already bound", ErrBind, uri)
	}
	t.bound = true
	return nil
}

// Dial attaches a new peer and returns its endpoint.
func (t *Inproc) Dial() (*InprocPeer, error) {
	peer := &InprocPeer{
		addr:      xid.New().String(),
		transport: t,
		inbox:     make(chan []string, 128),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("bus: transport closed")
	}
	t.peers[peer.addr] = peer
	return peer, nil
}

// Send delivers one frame to the peer at addr.
func (t *Inproc) Send(addr string, parts ...string) error {
	t.mu.Lock()
	peer := t.peers[addr]
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	peer.deliver(append([]string(nil), parts...))
	return nil
}

// Close drops every peer without firing disconnect events.
func (t *Inproc) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*InprocPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*InprocPeer)
	t.mu.Unlock()
	for _, p := range peers {
		p.drop()
	}
	return nil
}

// Addr returns the peer's transport address as seen by the dispatcher.
func (p *InprocPeer) Addr() string { return p.addr }

// Send submits one frame to the dispatcher. The peer address is prefixed
// automatically.
func (p *InprocPeer) Send(parts ...string) {
	p.transport.handler.HandleFrame(append([]string{p.addr}, parts...))
}

// Recv returns the channel of frames the dispatcher sent to this peer.
func (p *InprocPeer) Recv() <-chan []string { return p.inbox }

// Disconnect detaches the peer and reports the disconnection to the
// dispatcher.
func (p *InprocPeer) Disconnect() {
	t := p.transport
	t.mu.Lock()
	_, known := t.peers[p.addr]
	delete(t.peers, p.addr)
	closed := t.closed
	t.mu.Unlock()
	p.drop()
	if known && !closed {
		t.handler.HandleDisconnect(p.addr)
	}
}

func (p *InprocPeer) deliver(parts []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.inbox <- parts
}

func (p *InprocPeer) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}
