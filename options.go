package augmentd

import (
	"io"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/augmentd/internal/bus"
	"pkt.systems/augmentd/internal/clock"
	"pkt.systems/augmentd/internal/events"
)

// Option configures dispatcher instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Clock     clock.Clock
	Sink      events.Sink
	Transport func(bus.Handler) bus.Transport
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation (used by tests to drive
// deadlines deterministically).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithSink injects the metrics sink the dispatcher records through. The
// default is the OpenTelemetry sink when metrics are enabled and a no-op
// sink otherwise.
func WithSink(s events.Sink) Option {
	return func(o *options) { o.Sink = s }
}

// WithTransport overrides the worker transport. The factory receives the
// dispatcher's frame handler. Tests use this to substitute the in-process
// bus.
func WithTransport(factory func(bus.Handler) bus.Transport) Option {
	return func(o *options) { o.Transport = factory }
}

type testingWriter struct {
	tb testing.TB
}

func (w testingWriter) Write(p []byte) (int, error) {
	w.tb.Logf("%s", p)
	return len(p), nil
}

// NewTestingLogger returns a logger that writes structured entries through
// testing.TB at the given level.
func NewTestingLogger(tb testing.TB, level pslog.Level) pslog.Logger {
	return pslog.NewWithOptions(io.Writer(testingWriter{tb: tb}), pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}).With("app", "augmentd")
}
