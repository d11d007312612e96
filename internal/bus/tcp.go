package bus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
)

// TCP is the production transport: a TCP listener speaking the
// length-prefixed frame format. Each accepted connection is assigned a
// stable peer address used to route outbound frames back to it.
type TCP struct {
	logger  pslog.Logger
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	peers    map[string]*tcpPeer
	closed   bool
	wg       sync.WaitGroup
}

type tcpPeer struct {
	addr string
	conn net.Conn

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewTCP builds a TCP transport delivering inbound traffic to handler.
func NewTCP(handler Handler, logger pslog.Logger) *TCP {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &TCP{
		logger:  logger.With("svc", "bus"),
		handler: handler,
		peers:   make(map[string]*tcpPeer),
	}
}

// Bind listens on uri ("tcp://host:port" or "host:port") and starts the
// accept loop.
func (t *TCP) Bind(uri string) error {
	addr := strings.TrimPrefix(uri, "tcp://")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, uri, err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("%w: transport closed", ErrBind)
	}
	if t.listener != nil {
		t.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("%w: already bound", ErrBind)
	}
	t.listener = ln
	t.mu.Unlock()
	t.logger.Info("bus.bound", "uri", uri, "addr", ln.Addr().String())
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or "" before Bind.
func (t *TCP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *TCP) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !t.isClosed() {
				t.logger.Warn("bus.accept_error", "error", err)
			}
			return
		}
		peer := &tcpPeer{
			addr: xid.New().String(),
			conn: conn,
			w:    bufio.NewWriter(conn),
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.peers[peer.addr] = peer
		t.mu.Unlock()
		t.logger.Info("bus.peer_connected", "peer", peer.addr, "remote", conn.RemoteAddr().String())
		t.wg.Add(1)
		go t.readLoop(peer)
	}
}

func (t *TCP) readLoop(peer *tcpPeer) {
	defer t.wg.Done()
	r := bufio.NewReader(peer.conn)
	for {
		parts, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				t.logger.Warn("bus.read_error", "peer", peer.addr, "error", err)
			}
			break
		}
		t.handler.HandleFrame(append([]string{peer.addr}, parts...))
	}
	_ = peer.conn.Close()
	t.mu.Lock()
	_, known := t.peers[peer.addr]
	delete(t.peers, peer.addr)
	closed := t.closed
	t.mu.Unlock()
	if known && !closed {
		t.logger.Info("bus.peer_disconnected", "peer", peer.addr)
		t.handler.HandleDisconnect(peer.addr)
	}
}

// Send writes one frame to the peer at addr.
func (t *TCP) Send(addr string, parts ...string) error {
	t.mu.Lock()
	peer := t.peers[addr]
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	peer.wmu.Lock()
	defer peer.wmu.Unlock()
	if err := writeFrame(peer.w, parts); err != nil {
		return err
	}
	return peer.w.Flush()
}

// Close stops the listener and drops every peer without firing
// disconnect events.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	peers := make([]*tcpPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[string]*tcpPeer)
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *TCP) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
