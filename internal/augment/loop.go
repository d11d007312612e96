// Package augment implements the augmentation dispatch core: the
// augment / response / expire / disconnect / config state machine driven
// by a single loop goroutine.
package augment

import (
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/augmentd/api"
	"pkt.systems/augmentd/internal/bus"
	"pkt.systems/augmentd/internal/clock"
	"pkt.systems/augmentd/internal/compactseq"
	"pkt.systems/augmentd/internal/directory"
	"pkt.systems/augmentd/internal/events"
	"pkt.systems/augmentd/internal/expiry"
	"pkt.systems/augmentd/internal/wire"
)

// Config sizes the loop's queues and cadences. Zero fields take the
// defaults below.
type Config struct {
	// InboxCapacity bounds the augment request queue. A full inbox blocks
	// producers, which is the load-shedding signal for the upstream
	// transport.
	InboxCapacity int
	// DisconnectionCapacity bounds the queue that redirects transport
	// disconnect events onto the loop goroutine.
	DisconnectionCapacity int
	// FrameCapacity bounds the inbound worker frame queue.
	FrameCapacity int
	// ExpiryInterval is the deadline sweep cadence.
	ExpiryInterval time.Duration
	// StatsInterval is the in-flight gauge publication cadence.
	StatsInterval time.Duration
}

const (
	defaultInboxCapacity         = 65536
	defaultDisconnectionCapacity = 1024
	defaultFrameCapacity         = 65536
	defaultExpiryInterval        = time.Millisecond
	defaultStatsInterval         = 977 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = defaultInboxCapacity
	}
	if c.DisconnectionCapacity <= 0 {
		c.DisconnectionCapacity = defaultDisconnectionCapacity
	}
	if c.FrameCapacity <= 0 {
		c.FrameCapacity = defaultFrameCapacity
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = defaultExpiryInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
}

// Loop is the dispatch core. A single goroutine started by Start owns
// every mutation of the directory and the deadline index; producer
// goroutines touch only the snapshot pointer and the bounded queues.
type Loop struct {
	logger    pslog.Logger
	clk       clock.Clock
	sink      events.Sink
	transport bus.Transport
	dir       *directory.Directory

	inbox          chan *Entry
	disconnections chan string
	frames         chan []string

	expiryInterval time.Duration
	statsInterval  time.Duration

	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
	stopped sync.Once

	mu      sync.Mutex
	pending *expiry.Index[api.ID, *Entry]
	idle    bool
	idleCh  chan struct{}
}

// New builds a Loop. The transport is attached separately because it
// needs the loop as its frame handler.
func New(cfg Config, clk clock.Clock, sink events.Sink, logger pslog.Logger) *Loop {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = events.Noop{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	idleCh := make(chan struct{})
	close(idleCh)
	return &Loop{
		logger:         logger.With("svc", "augment"),
		clk:            clk,
		sink:           sink,
		dir:            directory.New(),
		inbox:          make(chan *Entry, cfg.InboxCapacity),
		disconnections: make(chan string, cfg.DisconnectionCapacity),
		frames:         make(chan []string, cfg.FrameCapacity),
		expiryInterval: cfg.ExpiryInterval,
		statsInterval:  cfg.StatsInterval,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		pending:        expiry.New[api.ID, *Entry](),
		idle:           true,
		idleCh:         idleCh,
	}
}

// AttachTransport wires the transport used for worker traffic. Must be
// called before Start.
func (l *Loop) AttachTransport(t bus.Transport) { l.transport = t }

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.once.Do(func() {
		l.started = true
		go l.run()
	})
}

// Stop terminates the loop goroutine and waits for it to exit. Pending
// entries are not expired; their callbacks never fire after Stop.
func (l *Loop) Stop() {
	if !l.started {
		return
	}
	l.stopped.Do(func() { close(l.stop) })
	<-l.done
}

// HandleFrame implements bus.Handler: inbound worker frames are queued
// onto the loop goroutine.
func (l *Loop) HandleFrame(parts []string) {
	select {
	case l.frames <- parts:
	case <-l.stop:
	}
}

// HandleDisconnect implements bus.Handler. Disconnect events arrive on
// transport goroutines and are redirected onto the loop.
func (l *Loop) HandleDisconnect(addr string) {
	select {
	case l.disconnections <- addr:
	case <-l.stop:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	expiryTick := l.clk.After(l.expiryInterval)
	statsTick := l.clk.After(l.statsInterval)
	for {
		select {
		case <-l.stop:
			return
		case entry := <-l.inbox:
			l.doAugmentation(entry)
		case addr := <-l.disconnections:
			l.doDisconnection(addr, "")
		case parts := <-l.frames:
			l.handleWorkerFrame(parts)
		case <-expiryTick:
			l.checkExpiries()
			expiryTick = l.clk.After(l.expiryInterval)
		case <-statsTick:
			l.recordStats()
			statsTick = l.clk.After(l.statsInterval)
		}
	}
}

// Augment requests augmentation of info before timeout. Safe to call from
// any goroutine. When none of the required augmentors is currently
// registered the callback fires synchronously.
func (l *Loop) Augment(info *api.AugmentationInfo, timeout time.Time, onFinished OnFinished) {
	var needed compactseq.Seq[string]
	for _, group := range info.PotentialGroups {
		for _, bidder := range group {
			if bidder.Config == nil {
				continue
			}
			for _, name := range bidder.Config.Augmentors {
				needed.PushBack(name)
			}
		}
	}
	names := needed.Values()
	sort.Strings(names)

	entry := &Entry{
		Info:        info,
		Outstanding: make(map[string]struct{}),
		Timeout:     timeout,
		OnFinished:  onFinished,
	}

	// Single linear merge of the two name-sorted sequences: the needed
	// set against the published augmentor snapshot.
	snap := l.dir.Snapshot().Entries()
	i, j := 0, 0
	for i < len(names) && j < len(snap) {
		switch {
		case i > 0 && names[i] == names[i-1]:
			i++
		case names[i] == snap[j].Name:
			l.sink.Hit("augmentation.request")
			l.sink.Hit("augmentor." + names[i] + ".request")
			entry.Outstanding[names[i]] = struct{}{}
			entry.names.PushBack(names[i])
			i++
			j++
		case names[i] < snap[j].Name:
			i++
		default:
			j++
		}
	}

	if len(entry.Outstanding) == 0 {
		onFinished(info)
		return
	}
	l.inbox <- entry
}

// CurrentlyAugmenting reports whether an entry for id is pending.
func (l *Loop) CurrentlyAugmenting(id api.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Contains(id)
}

// NumAugmenting returns the number of pending entries.
func (l *Loop) NumAugmenting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Len()
}

// SleepUntilIdle parks the caller until the deadline index is empty and
// the expiry sweep has marked the loop idle.
func (l *Loop) SleepUntilIdle() {
	for {
		l.mu.Lock()
		if l.idle {
			l.mu.Unlock()
			return
		}
		ch := l.idleCh
		l.mu.Unlock()
		<-ch
	}
}

func (l *Loop) doAugmentation(entry *Entry) {
	start := l.clk.Now()
	id := entry.Info.Auction.ID

	l.mu.Lock()
	if l.pending.Contains(id) {
		l.mu.Unlock()
		l.logger.Warn("augment.duplicate_auction", "auction", id)
		l.sink.Hit("duplicateAuction")
		return
	}
	if err := l.pending.Insert(id, entry, entry.Timeout); err != nil {
		l.mu.Unlock()
		l.logger.Error("augment.index_insert_failed", "auction", id, "error", err)
		return
	}

	var agents []string
	for _, name := range entry.names.Values() {
		var inst *directory.Instance
		if aug := l.dir.Get(name); aug != nil {
			inst = aug.PickInstance()
		}
		if inst == nil {
			l.sink.Hit("augmentor." + name + ".noAvailableInstances")
			continue
		}
		l.sink.Hit("augmentor." + name + ".instances." + inst.Addr + ".requests")
		if agents == nil {
			agents = collectAgents(entry.Info)
		}
		frame := wire.EncodeAugment(
			name,
			id.String(),
			entry.Info.Auction.RequestFormat,
			entry.Info.Auction.Request,
			agents,
			l.clk.Now(),
		)
		if err := l.transport.Send(inst.Addr, frame...); err != nil {
			l.logger.Warn("augment.send_failed",
				"augmentor", name, "peer", inst.Addr, "auction", id, "error", err)
		}
	}
	if l.idle {
		l.idle = false
		l.idleCh = make(chan struct{})
	}
	l.mu.Unlock()

	l.sink.Level("requestTimeMs", millis(l.clk.Now().Sub(start)))
}

func (l *Loop) handleWorkerFrame(parts []string) {
	if len(parts) < 2 {
		l.logger.Warn("augment.short_frame", "parts", len(parts))
		return
	}
	switch parts[1] {
	case wire.TypeConfig:
		l.doConfig(parts)
	case wire.TypeResponse:
		l.doResponse(parts)
	default:
		l.logger.Warn("augment.unknown_message_type", "type", parts[1], "peer", parts[0])
	}
}

func (l *Loop) doConfig(parts []string) {
	cfg, err := wire.ParseConfig(parts)
	if err != nil {
		l.logger.Warn("augment.bad_config_frame", "error", err)
		return
	}

	l.mu.Lock()
	// A reconnecting instance replaces rather than duplicates its prior
	// registration.
	l.removeInstanceLocked(cfg.Addr, cfg.Name)
	info, created := l.dir.Upsert(cfg.Name)
	if created {
		l.sink.Hit("augmentor." + cfg.Name + ".configured")
	}
	info.Instances.PushBack(&directory.Instance{Addr: cfg.Addr, MaxInFlight: cfg.MaxInFlight})
	l.sink.Hit("augmentor." + cfg.Name + ".instances." + cfg.Addr + ".configured")
	l.dir.Publish()
	l.mu.Unlock()

	l.logger.Info("augment.configured",
		"augmentor", cfg.Name, "peer", cfg.Addr, "max_in_flight", cfg.MaxInFlight)
	if err := l.transport.Send(cfg.Addr, wire.TypeConfigOK); err != nil {
		l.logger.Warn("augment.configok_send_failed", "peer", cfg.Addr, "error", err)
	}
}

func (l *Loop) doDisconnection(addr, name string) {
	l.mu.Lock()
	changed := l.removeInstanceLocked(addr, name)
	if changed {
		l.dir.Publish()
	}
	l.mu.Unlock()
	if changed {
		// In-flight auctions referencing the removed instance are left to
		// expire naturally.
		l.logger.Info("augment.peer_disconnected", "peer", addr)
	}
}

func (l *Loop) removeInstanceLocked(addr, name string) bool {
	removals := l.dir.RemoveInstance(addr, name)
	for _, r := range removals {
		l.sink.Hit("augmentor." + r.Augmentor + ".instances." + r.Addr + ".disconnected")
	}
	return len(removals) > 0
}

func (l *Loop) doResponse(parts []string) {
	l.sink.Hit("augmentation.response")
	resp, err := wire.ParseResponse(parts)
	if err != nil {
		l.logger.Warn("augment.bad_response_frame", "error", err)
		return
	}

	parseStart := l.clk.Now()
	null := resp.IsNull()
	var list api.AugmentationList
	if !null {
		list, err = api.ParseAugmentationList([]byte(resp.Payload))
		if err != nil {
			l.sink.Hit("augmentor." + resp.Augmentor + ".responseParsingExceptions")
			l.logger.Warn("augment.response_parse_failed",
				"augmentor", resp.Augmentor, "auction", resp.AuctionID, "error", err)
			null = true
			list = nil
		}
	}
	now := l.clk.Now()
	l.sink.Level("responseParseTimeMs", millis(now.Sub(parseStart)))
	l.sink.Outcome("augmentor."+resp.Augmentor+".timeTakenMs", millis(now.Sub(resp.StartTime)))
	l.sink.Outcome("augmentor."+resp.Augmentor+".responseLengthBytes", float64(len(resp.Payload)))

	var finished *Entry
	l.mu.Lock()
	if aug := l.dir.Get(resp.Augmentor); aug != nil {
		if inst := aug.FindInstance(resp.Addr); inst != nil {
			inst.NumInFlight--
		}
	}
	id := api.ID(resp.AuctionID)
	entry, ok := l.pending.Find(id)
	if !ok {
		l.mu.Unlock()
		l.sink.Hit("augmentation.unknown")
		l.sink.Hit("augmentor." + resp.Augmentor + ".instances." + resp.Addr + ".unknown")
		return
	}
	event := "validResponse"
	if null {
		event = "nullResponse"
	}
	l.sink.Hit("augmentor." + resp.Augmentor + ".instances." + resp.Addr + "." + event)

	entry.Info.Auction.MergeAugmentation(resp.Augmentor, list)
	delete(entry.Outstanding, resp.Augmentor)
	if len(entry.Outstanding) == 0 {
		l.pending.Erase(id)
		finished = entry
	}
	l.mu.Unlock()

	if finished != nil {
		finished.OnFinished(finished.Info)
	}
}

func (l *Loop) checkExpiries() {
	now := l.clk.Now()
	var finished []*Entry

	l.mu.Lock()
	if deadline, ok := l.pending.Earliest(); ok && !deadline.After(now) {
		l.pending.Expire(now, func(id api.ID, entry *Entry) time.Time {
			for name := range entry.Outstanding {
				l.sink.Hit("augmentor." + name + ".expiredTooLate")
			}
			l.logger.Debug("augment.expired",
				"auction", id, "outstanding", len(entry.Outstanding))
			finished = append(finished, entry)
			return time.Time{}
		})
	}
	if l.pending.Len() == 0 && !l.idle {
		l.idle = true
		close(l.idleCh)
	}
	l.mu.Unlock()

	for _, entry := range finished {
		entry.OnFinished(entry.Info)
	}
}

func (l *Loop) recordStats() {
	type level struct {
		name  string
		value float64
	}
	var levels []level
	l.mu.Lock()
	l.dir.Each(func(info *directory.AugmentorInfo) {
		total := 0
		for _, inst := range info.Instances.Values() {
			total += inst.NumInFlight
		}
		levels = append(levels, level{"augmentor." + info.Name + ".numInFlight", float64(total)})
	})
	l.mu.Unlock()
	for _, lv := range levels {
		l.sink.Level(lv.name, lv.value)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
