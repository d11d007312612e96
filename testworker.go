package augmentd

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"pkt.systems/augmentd/internal/bus"
	"pkt.systems/augmentd/internal/wire"
)

// AugmentRequest is one AUGMENT frame as seen by a worker.
type AugmentRequest struct {
	Augmentor     string
	AuctionID     string
	RequestFormat string
	Request       string
	Agents        []string
	SentTimestamp string
}

// Responder decides how a TestWorker answers an AUGMENT frame. Returning
// ok=false suppresses the response so the auction runs out its deadline.
type Responder func(AugmentRequest) (payload string, ok bool)

// TestWorker is an in-process augmentor worker speaking the wire protocol
// over the in-process bus. Tests and benches use it in place of a real
// remote augmentor.
type TestWorker struct {
	Name string

	peer       *bus.InprocPeer
	respond    Responder
	configured chan struct{}
	confOnce   sync.Once
	done       chan struct{}

	mu       sync.Mutex
	requests []AugmentRequest
}

// NewTestWorker attaches a worker named name to the in-process transport
// and announces it with a CONFIG frame carrying maxInFlight. The worker
// answers AUGMENT frames through respond; a nil respond never answers.
func NewTestWorker(transport *bus.Inproc, name string, maxInFlight int, respond Responder) (*TestWorker, error) {
	peer, err := transport.Dial()
	if err != nil {
		return nil, err
	}
	w := &TestWorker{
		Name:       name,
		peer:       peer,
		respond:    respond,
		configured: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.serve()
	peer.Send(wire.TypeConfig, wire.Version, name, strconv.Itoa(maxInFlight))
	return w, nil
}

// Addr returns the worker's transport address as seen by the dispatcher.
func (w *TestWorker) Addr() string { return w.peer.Addr() }

// WaitConfigured blocks until the dispatcher acknowledged the CONFIG
// frame with CONFIGOK.
func (w *TestWorker) WaitConfigured(timeout time.Duration) error {
	select {
	case <-w.configured:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("augmentd: worker %s not configured within %s", w.Name, timeout)
	}
}

// Requests returns a copy of every AUGMENT frame received so far.
func (w *TestWorker) Requests() []AugmentRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]AugmentRequest(nil), w.requests...)
}

// Respond sends one RESPONSE frame for the given auction, echoing sentTs
// as the start timestamp.
func (w *TestWorker) Respond(auctionID, sentTs, payload string) {
	w.peer.Send(wire.TypeResponse, wire.Version, sentTs, auctionID, w.Name, payload)
}

// Disconnect detaches the worker, triggering the dispatcher's
// disconnection handling.
func (w *TestWorker) Disconnect() {
	w.peer.Disconnect()
}

func (w *TestWorker) serve() {
	defer close(w.done)
	for parts := range w.peer.Recv() {
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case wire.TypeConfigOK:
			w.confOnce.Do(func() { close(w.configured) })
		case wire.TypeAugment:
			if len(parts) != 8 {
				continue
			}
			agents, _ := wire.DecodeAgentSet(parts[6])
			req := AugmentRequest{
				Augmentor:     parts[2],
				AuctionID:     parts[3],
				RequestFormat: parts[4],
				Request:       parts[5],
				Agents:        agents,
				SentTimestamp: parts[7],
			}
			w.mu.Lock()
			w.requests = append(w.requests, req)
			w.mu.Unlock()
			if w.respond == nil {
				continue
			}
			if payload, ok := w.respond(req); ok {
				w.Respond(req.AuctionID, req.SentTimestamp, payload)
			}
		}
	}
}
