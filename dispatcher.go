package augmentd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/augmentd/api"
	"pkt.systems/augmentd/internal/augment"
	"pkt.systems/augmentd/internal/bus"
	"pkt.systems/augmentd/internal/clock"
	"pkt.systems/augmentd/internal/events"
)

// OnFinished is re-exported so callers do not import internal packages.
type OnFinished = augment.OnFinished

// Dispatcher is the public face of the augmentation loop: it owns the
// worker transport, the dispatch core, and the telemetry bundle.
type Dispatcher struct {
	cfg       Config
	logger    pslog.Logger
	loop      *augment.Loop
	transport bus.Transport
	telemetry *telemetryBundle

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// New constructs a dispatcher according to cfg. The transport is not
// bound until Start.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}

	d := &Dispatcher{cfg: cfg, logger: o.Logger}

	var err error
	d.telemetry, err = setupTelemetry(context.Background(),
		cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, o.Logger)
	if err != nil {
		return nil, err
	}

	sink := o.Sink
	if sink == nil {
		if d.telemetry != nil && d.telemetry.meterProvider != nil {
			sink = events.NewOTel(d.telemetry.meterProvider.Meter("pkt.systems/augmentd"), o.Logger)
		} else {
			sink = events.Noop{}
		}
	}

	d.loop = augment.New(augment.Config{
		InboxCapacity:         cfg.InboxCapacity,
		DisconnectionCapacity: cfg.DisconnectionCapacity,
		ExpiryInterval:        cfg.ExpiryInterval,
		StatsInterval:         cfg.StatsInterval,
	}, o.Clock, sink, o.Logger)

	if o.Transport != nil {
		d.transport = o.Transport(d.loop)
	} else {
		d.transport = bus.NewTCP(d.loop, o.Logger)
	}
	d.loop.AttachTransport(d.transport)
	return d, nil
}

// Start binds the worker transport and launches the loop goroutine. Bind
// failures are fatal startup errors.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return errors.New("augmentd: dispatcher is shut down")
	}
	if d.started {
		return nil
	}
	if err := d.BindAugmentors(d.cfg.Listen); err != nil {
		return err
	}
	d.loop.Start()
	d.started = true
	d.logger.Info("augmentd.started", "listen", d.cfg.Listen)
	return nil
}

// BindAugmentors binds the worker transport on uri.
func (d *Dispatcher) BindAugmentors(uri string) error {
	if err := d.transport.Bind(uri); err != nil {
		return fmt.Errorf("augmentd: bind augmentors on %s: %w", uri, err)
	}
	return nil
}

// Augment requests augmentation of info before timeout, invoking
// onFinished exactly once with the (possibly degraded) result. Safe to
// call from any goroutine.
func (d *Dispatcher) Augment(info *api.AugmentationInfo, timeout time.Time, onFinished OnFinished) {
	d.loop.Augment(info, timeout, onFinished)
}

// CurrentlyAugmenting reports whether an auction with id is pending.
func (d *Dispatcher) CurrentlyAugmenting(id api.ID) bool {
	return d.loop.CurrentlyAugmenting(id)
}

// NumAugmenting returns the number of pending auctions.
func (d *Dispatcher) NumAugmenting() int {
	return d.loop.NumAugmenting()
}

// SleepUntilIdle parks the caller until no auctions are pending.
func (d *Dispatcher) SleepUntilIdle() {
	d.loop.SleepUntilIdle()
}

// Shutdown stops the message loop, closes the transport, and flushes
// telemetry. Callbacks for auctions still in flight do not fire after
// Shutdown returns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	started := d.started
	d.mu.Unlock()

	if started {
		d.loop.Stop()
	}
	var errs []error
	if err := d.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport close: %w", err))
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Info("augmentd.shutdown")
	return errors.Join(errs...)
}
