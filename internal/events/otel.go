package events

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// OTel records measurements through an OpenTelemetry meter. Instruments
// are created lazily per event name because augmentor names and instance
// addresses only become known at runtime.
type OTel struct {
	meter  metric.Meter
	logger pslog.Logger

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	gauges   map[string]metric.Float64Gauge
	hists    map[string]metric.Float64Histogram
}

// NewOTel builds an OTel sink on the supplied meter.
func NewOTel(meter metric.Meter, logger pslog.Logger) *OTel {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &OTel{
		meter:    meter,
		logger:   logger,
		counters: make(map[string]metric.Int64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
		hists:    make(map[string]metric.Float64Histogram),
	}
}

func (s *OTel) Hit(name string) { s.Count(name, 1) }

func (s *OTel) Count(name string, n int64) {
	c := s.counter(name)
	if c == nil {
		return
	}
	c.Add(context.Background(), n)
}

func (s *OTel) Level(name string, value float64) {
	g := s.gauge(name)
	if g == nil {
		return
	}
	g.Record(context.Background(), value)
}

func (s *OTel) Outcome(name string, value float64) {
	h := s.hist(name)
	if h == nil {
		return
	}
	h.Record(context.Background(), value)
}

func (s *OTel) counter(name string) metric.Int64Counter {
	key := instrumentName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c
	}
	c, err := s.meter.Int64Counter(key)
	if err != nil {
		s.logger.Warn("events.instrument.init_failed", "name", key, "error", err)
		return nil
	}
	s.counters[key] = c
	return c
}

func (s *OTel) gauge(name string) metric.Float64Gauge {
	key := instrumentName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[key]; ok {
		return g
	}
	g, err := s.meter.Float64Gauge(key)
	if err != nil {
		s.logger.Warn("events.instrument.init_failed", "name", key, "error", err)
		return nil
	}
	s.gauges[key] = g
	return g
}

func (s *OTel) hist(name string) metric.Float64Histogram {
	key := instrumentName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hists[key]; ok {
		return h
	}
	h, err := s.meter.Float64Histogram(key)
	if err != nil {
		s.logger.Warn("events.instrument.init_failed", "name", key, "error", err)
		return nil
	}
	s.hists[key] = h
	return h
}

// instrumentName maps an event name onto the OpenTelemetry instrument
// name charset. Instance addresses carry characters like ':' that the
// API rejects.
func instrumentName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-' || r == '/':
			return r
		default:
			return '_'
		}
	}, name)
}
