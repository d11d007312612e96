package augment

import (
	"sync"
	"testing"
	"time"

	"pkt.systems/augmentd/api"
	"pkt.systems/augmentd/internal/clock"
	"pkt.systems/augmentd/internal/events"
	"pkt.systems/augmentd/internal/wire"
)

type sentFrame struct {
	Addr  string
	Parts []string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeTransport) Bind(uri string) error { return nil }

func (f *fakeTransport) Send(addr string, parts ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{Addr: addr, Parts: append([]string(nil), parts...)})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) frames(msgType string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if len(s.Parts) > 0 && s.Parts[0] == msgType {
			out = append(out, s)
		}
	}
	return out
}

var testStart = time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

func newTestLoop() (*Loop, *fakeTransport, *events.Recorder, *clock.Manual) {
	clk := clock.NewManual(testStart)
	sink := events.NewRecorder()
	l := New(Config{}, clk, sink, nil)
	tr := &fakeTransport{}
	l.AttachTransport(tr)
	return l, tr, sink, clk
}

func oneBidderInfo(id api.ID, augmentors ...string) *api.AugmentationInfo {
	return &api.AugmentationInfo{
		Auction: &api.Auction{ID: id, Request: `{"imp":[]}`, RequestFormat: "datacratic"},
		PotentialGroups: []api.GroupPotentialBidders{
			{{Agent: "agent-1", Config: &api.AgentConfig{Augmentors: augmentors}}},
		},
	}
}

// drain pulls queued entries off the inbox and runs them on the calling
// goroutine, standing in for the loop goroutine.
func drain(t *testing.T, l *Loop) int {
	t.Helper()
	n := 0
	for {
		select {
		case entry := <-l.inbox:
			l.doAugmentation(entry)
			n++
		default:
			return n
		}
	}
}

func configure(l *Loop, addr, name, maxInFlight string) {
	l.doConfig([]string{addr, wire.TypeConfig, wire.Version, name, maxInFlight})
}

func TestHappyPathSingleAugmentor(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	var (
		mu       sync.Mutex
		finished []*api.AugmentationInfo
	)
	info := oneBidderInfo("1", "geo")
	l.Augment(info, clk.Now().Add(50*time.Millisecond), func(got *api.AugmentationInfo) {
		mu.Lock()
		finished = append(finished, got)
		mu.Unlock()
	})
	if n := drain(t, l); n != 1 {
		t.Fatalf("drained %d entries", n)
	}

	augments := tr.frames(wire.TypeAugment)
	if len(augments) != 1 {
		t.Fatalf("expected one AUGMENT frame, got %d", len(augments))
	}
	frame := augments[0]
	if frame.Addr != "A" {
		t.Fatalf("AUGMENT sent to %s", frame.Addr)
	}
	if frame.Parts[2] != "geo" || frame.Parts[3] != "1" {
		t.Fatalf("AUGMENT parts = %v", frame.Parts)
	}
	if !l.CurrentlyAugmenting("1") || l.NumAugmenting() != 1 {
		t.Fatalf("auction 1 should be pending")
	}
	if sink.Counter("augmentation.request") != 1 || sink.Counter("augmentor.geo.request") != 1 {
		t.Fatalf("request counters wrong")
	}

	l.doResponse([]string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "1", "geo", `{"tags":["x"]}`})

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0] != info {
		t.Fatalf("callback fired %d times", len(finished))
	}
	list := info.Auction.Augmentations["geo"]
	if list == nil {
		t.Fatalf("geo augmentation missing")
	}
	aug := (*list)[""]
	if len(aug.Tags) != 1 || aug.Tags[0] != "x" {
		t.Fatalf("merged augmentation = %+v", aug)
	}
	if l.CurrentlyAugmenting("1") {
		t.Fatalf("entry should be gone after completion")
	}
	inst := l.dir.Get("geo").FindInstance("A")
	if inst.NumInFlight != 0 {
		t.Fatalf("numInFlight = %d after response", inst.NumInFlight)
	}
	if sink.Counter("augmentor.geo.instances.A.validResponse") != 1 {
		t.Fatalf("validResponse counter missing")
	}
}

func TestLoadBalancingAcrossInstances(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "1")
	configure(l, "B", "geo", "1")

	deadline := clk.Now().Add(50 * time.Millisecond)
	for _, id := range []api.ID{"1", "2"} {
		l.Augment(oneBidderInfo(id, "geo"), deadline, func(*api.AugmentationInfo) {})
	}
	drain(t, l)

	augments := tr.frames(wire.TypeAugment)
	if len(augments) != 2 {
		t.Fatalf("expected two AUGMENT frames, got %d", len(augments))
	}
	if augments[0].Addr != "A" || augments[1].Addr != "B" {
		t.Fatalf("dispatch order = %s, %s", augments[0].Addr, augments[1].Addr)
	}

	l.Augment(oneBidderInfo("3", "geo"), deadline, func(*api.AugmentationInfo) {})
	drain(t, l)
	if got := len(tr.frames(wire.TypeAugment)); got != 2 {
		t.Fatalf("saturated dispatch sent a frame: %d", got)
	}
	if sink.Counter("augmentor.geo.noAvailableInstances") != 1 {
		t.Fatalf("noAvailableInstances = %d", sink.Counter("augmentor.geo.noAvailableInstances"))
	}
}

func TestTimeoutFiresCallbackOnce(t *testing.T) {
	l, _, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	calls := 0
	info := oneBidderInfo("7", "geo")
	l.Augment(info, clk.Now().Add(10*time.Millisecond), func(*api.AugmentationInfo) { calls++ })
	drain(t, l)

	clk.Advance(5 * time.Millisecond)
	l.checkExpiries()
	if calls != 0 {
		t.Fatalf("callback fired before deadline")
	}

	clk.Advance(6 * time.Millisecond)
	l.checkExpiries()
	if calls != 1 {
		t.Fatalf("callback fired %d times after deadline", calls)
	}
	if list := info.Auction.Augmentations["geo"]; list != nil && len(*list) != 0 {
		t.Fatalf("timed-out auction should have no merged augmentation")
	}
	if sink.Counter("augmentor.geo.expiredTooLate") != 1 {
		t.Fatalf("expiredTooLate counter missing")
	}
	if l.CurrentlyAugmenting("7") {
		t.Fatalf("expired entry still in index")
	}
	// Capacity is not reclaimed on expiry; the worker resets it on
	// reconnect.
	if inst := l.dir.Get("geo").FindInstance("A"); inst.NumInFlight != 1 {
		t.Fatalf("numInFlight = %d after expiry", inst.NumInFlight)
	}

	l.checkExpiries()
	if calls != 1 {
		t.Fatalf("late sweep refired callback")
	}
}

func TestDisconnectionMidFlight(t *testing.T) {
	l, tr, _, clk := newTestLoop()
	configure(l, "X", "a", "10")
	configure(l, "Y", "b", "10")

	calls := 0
	info := oneBidderInfo("9", "a", "b")
	l.Augment(info, clk.Now().Add(20*time.Millisecond), func(*api.AugmentationInfo) { calls++ })
	drain(t, l)

	augments := tr.frames(wire.TypeAugment)
	if len(augments) != 2 {
		t.Fatalf("expected two AUGMENT frames")
	}
	var sentTs string
	for _, f := range augments {
		if f.Addr == "X" {
			sentTs = f.Parts[7]
		}
	}
	l.doResponse([]string{"X", wire.TypeResponse, wire.Version, sentTs, "9", "a", `{"tags":["ok"]}`})
	if calls != 0 {
		t.Fatalf("callback fired with b still outstanding")
	}

	l.doDisconnection("Y", "")
	if l.dir.Get("b") != nil {
		t.Fatalf("augmentor b should be dropped with its only instance")
	}
	if !l.CurrentlyAugmenting("9") {
		t.Fatalf("entry must survive disconnection and expire naturally")
	}

	clk.Advance(21 * time.Millisecond)
	l.checkExpiries()
	if calls != 1 {
		t.Fatalf("callback fired %d times", calls)
	}
	if info.Auction.Augmentations["a"] == nil {
		t.Fatalf("a's augmentation should be merged")
	}
}

func TestDuplicateAuctionID(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	calls := 0
	deadline := clk.Now().Add(50 * time.Millisecond)
	l.Augment(oneBidderInfo("42", "geo"), deadline, func(*api.AugmentationInfo) { calls++ })
	l.Augment(oneBidderInfo("42", "geo"), deadline, func(*api.AugmentationInfo) { calls++ })
	drain(t, l)

	if sink.Counter("duplicateAuction") != 1 {
		t.Fatalf("duplicateAuction = %d", sink.Counter("duplicateAuction"))
	}
	if l.NumAugmenting() != 1 {
		t.Fatalf("index holds %d entries for one id", l.NumAugmenting())
	}

	frame := tr.frames(wire.TypeAugment)[0]
	l.doResponse([]string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "42", "geo", "null"})
	if calls != 1 {
		t.Fatalf("callback fired %d times for id 42", calls)
	}

	clk.Advance(time.Minute)
	l.checkExpiries()
	if calls != 1 {
		t.Fatalf("duplicate entry produced a second callback")
	}
}

func TestConfigReplacesPriorRegistration(t *testing.T) {
	l, tr, _, _ := newTestLoop()
	configure(l, "A", "geo", "100")
	configure(l, "A", "geo", "200")

	info := l.dir.Get("geo")
	if info.Instances.Len() != 1 {
		t.Fatalf("reconnect duplicated the instance: %d", info.Instances.Len())
	}
	if inst := info.FindInstance("A"); inst.MaxInFlight != 200 {
		t.Fatalf("maxInFlight = %d", inst.MaxInFlight)
	}
	if got := len(tr.frames(wire.TypeConfigOK)); got != 2 {
		t.Fatalf("expected CONFIGOK per CONFIG, got %d", got)
	}
}

func TestConfigDisconnectRoundTrip(t *testing.T) {
	l, _, _, _ := newTestLoop()
	configure(l, "A", "geo", "100")
	l.doDisconnection("A", "geo")
	if l.dir.Len() != 0 {
		t.Fatalf("directory should be back to empty")
	}
	if l.dir.Snapshot().Len() != 0 {
		t.Fatalf("snapshot should be back to empty")
	}
}

func TestEmptyGroupsSynchronousCallback(t *testing.T) {
	l, _, _, clk := newTestLoop()
	calls := 0
	info := &api.AugmentationInfo{Auction: &api.Auction{ID: "1"}}
	l.Augment(info, clk.Now().Add(time.Millisecond), func(*api.AugmentationInfo) { calls++ })
	if calls != 1 {
		t.Fatalf("empty groups should complete synchronously")
	}
	if len(l.inbox) != 0 {
		t.Fatalf("nothing should be queued")
	}
}

func TestUnregisteredAugmentorSynchronousCallback(t *testing.T) {
	l, _, _, clk := newTestLoop()
	calls := 0
	l.Augment(oneBidderInfo("1", "geo"), clk.Now().Add(time.Millisecond),
		func(*api.AugmentationInfo) { calls++ })
	if calls != 1 {
		t.Fatalf("unregistered augmentor should complete synchronously")
	}
}

func TestLateResponseCountsUnknown(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	calls := 0
	l.Augment(oneBidderInfo("5", "geo"), clk.Now().Add(10*time.Millisecond),
		func(*api.AugmentationInfo) { calls++ })
	drain(t, l)
	frame := tr.frames(wire.TypeAugment)[0]

	clk.Advance(11 * time.Millisecond)
	l.checkExpiries()
	if calls != 1 {
		t.Fatalf("expiry callback missing")
	}

	l.doResponse([]string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "5", "geo", "null"})
	if calls != 1 {
		t.Fatalf("late response fired callback")
	}
	if sink.Counter("augmentation.unknown") != 1 {
		t.Fatalf("augmentation.unknown = %d", sink.Counter("augmentation.unknown"))
	}
	if sink.Counter("augmentor.geo.instances.A.unknown") != 1 {
		t.Fatalf("instance unknown counter missing")
	}
}

func TestDuplicateResponseNoDoubleCallback(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	calls := 0
	l.Augment(oneBidderInfo("6", "geo"), clk.Now().Add(50*time.Millisecond),
		func(*api.AugmentationInfo) { calls++ })
	drain(t, l)
	frame := tr.frames(wire.TypeAugment)[0]
	resp := []string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "6", "geo", `{"tags":["x"]}`}

	l.doResponse(resp)
	l.doResponse(resp)
	if calls != 1 {
		t.Fatalf("identical responses fired %d callbacks", calls)
	}
	if sink.Counter("augmentation.unknown") != 1 {
		t.Fatalf("second response should count as unknown")
	}
}

func TestBadPayloadTreatedAsNullResponse(t *testing.T) {
	l, tr, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	calls := 0
	l.Augment(oneBidderInfo("8", "geo"), clk.Now().Add(50*time.Millisecond),
		func(*api.AugmentationInfo) { calls++ })
	drain(t, l)
	frame := tr.frames(wire.TypeAugment)[0]

	l.doResponse([]string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "8", "geo", "{not json"})
	if calls != 1 {
		t.Fatalf("bad payload should still complete the auction")
	}
	if sink.Counter("augmentor.geo.responseParsingExceptions") != 1 {
		t.Fatalf("responseParsingExceptions missing")
	}
	if sink.Counter("augmentor.geo.instances.A.nullResponse") != 1 {
		t.Fatalf("nullResponse counter missing")
	}
}

func TestProtocolErrorsAreDropped(t *testing.T) {
	l, _, _, _ := newTestLoop()
	configure(l, "A", "geo", "10")

	l.handleWorkerFrame([]string{"A", "BOGUS", "1.0"})
	l.handleWorkerFrame([]string{"A"})
	l.doResponse([]string{"A", wire.TypeResponse, "9.9", "0", "1", "geo", ""})
	l.doConfig([]string{"A", wire.TypeConfig, wire.Version, ""})

	if l.dir.Len() != 1 {
		t.Fatalf("malformed frames mutated the directory")
	}
}

func TestIdleTracking(t *testing.T) {
	l, _, _, clk := newTestLoop()
	configure(l, "A", "geo", "10")

	l.SleepUntilIdle() // idle at rest: returns immediately

	l.Augment(oneBidderInfo("1", "geo"), clk.Now().Add(5*time.Millisecond),
		func(*api.AugmentationInfo) {})
	drain(t, l)

	woke := make(chan struct{})
	go func() {
		l.SleepUntilIdle()
		close(woke)
	}()
	select {
	case <-woke:
		t.Fatalf("SleepUntilIdle returned with an entry pending")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(6 * time.Millisecond)
	l.checkExpiries()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatalf("SleepUntilIdle did not wake after the index drained")
	}
}

func TestRecordStatsPublishesInFlight(t *testing.T) {
	l, _, sink, clk := newTestLoop()
	configure(l, "A", "geo", "10")
	l.Augment(oneBidderInfo("1", "geo"), clk.Now().Add(50*time.Millisecond),
		func(*api.AugmentationInfo) {})
	drain(t, l)

	l.recordStats()
	levels := sink.Levels("augmentor.geo.numInFlight")
	if len(levels) != 1 || levels[0] != 1 {
		t.Fatalf("numInFlight levels = %v", levels)
	}
}

func TestStartedLoopEndToEnd(t *testing.T) {
	sink := events.NewRecorder()
	l := New(Config{}, clock.Real{}, sink, nil)
	tr := &fakeTransport{}
	l.AttachTransport(tr)
	l.Start()
	defer l.Stop()

	l.HandleFrame([]string{"A", wire.TypeConfig, wire.Version, "geo", "10"})
	waitFor(t, func() bool { return len(tr.frames(wire.TypeConfigOK)) == 1 })

	done := make(chan struct{})
	l.Augment(oneBidderInfo("e2e", "geo"), time.Now().Add(500*time.Millisecond),
		func(*api.AugmentationInfo) { close(done) })
	waitFor(t, func() bool { return len(tr.frames(wire.TypeAugment)) == 1 })

	frame := tr.frames(wire.TypeAugment)[0]
	l.HandleFrame([]string{"A", wire.TypeResponse, wire.Version, frame.Parts[7], "e2e", "geo", `{"tags":["x"]}`})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("callback did not fire")
	}
	l.SleepUntilIdle()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached")
}
