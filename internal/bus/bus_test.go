package bus

import (
	"bytes"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"
)

func dialTCP(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]string{
		{"CONFIGOK"},
		{"CONFIG", "1.0", "geo", "200"},
		{"RESPONSE", "1.0", "0", "42", "geo", ""},
		{"AUGMENT", "1.0", "geo", "42", "fmt", "payload with\nnewlines", "\x00binary\xff", "123.456"},
	}
	for _, parts := range cases {
		var buf bytes.Buffer
		if err := writeFrame(&buf, parts); err != nil {
			t.Fatalf("writeFrame(%v): %v", parts, err)
		}
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame(%v): %v", parts, err)
		}
		if !reflect.DeepEqual(got, parts) {
			t.Fatalf("round trip %v != %v", got, parts)
		}
	}
}

func TestReadFrameRejectsBadCounts(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := readFrame(&buf); err == nil {
		t.Fatalf("zero part count should fail")
	}
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readFrame(&buf); err == nil {
		t.Fatalf("oversized part count should fail")
	}
}

type recordingHandler struct {
	mu          sync.Mutex
	frames      [][]string
	disconnects []string
	notify      chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleFrame(parts []string) {
	h.mu.Lock()
	h.frames = append(h.frames, parts)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(addr string) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, addr)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mu.Lock()
		ok := cond()
		h.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("condition not reached")
		}
	}
}

func TestInprocDeliveryAndReply(t *testing.T) {
	h := newRecordingHandler()
	tr := NewInproc(h)
	if err := tr.Bind("inproc://test"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer tr.Close()

	peer, err := tr.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	peer.Send("CONFIG", "1.0", "geo")

	h.wait(t, func() bool { return len(h.frames) == 1 })
	frame := h.frames[0]
	if frame[0] != peer.Addr() || frame[1] != "CONFIG" {
		t.Fatalf("frame = %v", frame)
	}

	if err := tr.Send(peer.Addr(), "CONFIGOK"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case reply := <-peer.Recv():
		if len(reply) != 1 || reply[0] != "CONFIGOK" {
			t.Fatalf("reply = %v", reply)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reply")
	}
}

func TestInprocDisconnectNotifies(t *testing.T) {
	h := newRecordingHandler()
	tr := NewInproc(h)
	peer, err := tr.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	peer.Disconnect()
	h.wait(t, func() bool { return len(h.disconnects) == 1 })
	if h.disconnects[0] != peer.Addr() {
		t.Fatalf("disconnect addr = %s", h.disconnects[0])
	}
	if err := tr.Send(peer.Addr(), "X"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("send to gone peer: %v", err)
	}
}

func TestInprocBindTwice(t *testing.T) {
	tr := NewInproc(newRecordingHandler())
	if err := tr.Bind("inproc://a"); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if err := tr.Bind("inproc://a"); !errors.Is(err, ErrBind) {
		t.Fatalf("second Bind should fail with ErrBind, got %v", err)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	h := newRecordingHandler()
	tr := NewTCP(h, nil)
	if err := tr.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer tr.Close()

	conn := dialTCP(t, tr.Addr())
	defer conn.Close()
	if err := writeFrame(conn, []string{"CONFIG", "1.0", "geo", "5"}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	h.wait(t, func() bool { return len(h.frames) == 1 })
	frame := h.frames[0]
	if len(frame) != 5 || frame[1] != "CONFIG" || frame[3] != "geo" {
		t.Fatalf("frame = %v", frame)
	}
	peerAddr := frame[0]

	if err := tr.Send(peerAddr, "CONFIGOK"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if len(reply) != 1 || reply[0] != "CONFIGOK" {
		t.Fatalf("reply = %v", reply)
	}

	conn.Close()
	h.wait(t, func() bool { return len(h.disconnects) == 1 })
	if h.disconnects[0] != peerAddr {
		t.Fatalf("disconnect addr = %s", h.disconnects[0])
	}
}

func TestTCPBindConflict(t *testing.T) {
	tr := NewTCP(newRecordingHandler(), nil)
	if err := tr.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer tr.Close()

	other := NewTCP(newRecordingHandler(), nil)
	if err := other.Bind(tr.Addr()); !errors.Is(err, ErrBind) {
		t.Fatalf("conflicting bind should fail with ErrBind, got %v", err)
	}
}
