// Package connwatch tracks whether the services proxwatch depends on
// are reachable: the UniFi controller and the MQTT broker. It sits
// above httpkit's transport retry, which only covers sub-second dial
// races; connwatch deals with outages that last seconds to hours.
//
// Each [Service] probes in a loop. While the service is down, probes
// back off exponentially (2s, 4s, 8s, ... capped at 60s). While it is
// up, probes run at a fixed interval. Every up/down transition is
// logged and published on the event bus.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/events"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// RetryMin is the first delay after a failed probe (default: 2s).
	RetryMin time.Duration

	// RetryMax caps the delay between failed probes (default: 60s).
	RetryMax time.Duration

	// Factor grows the delay after each consecutive failure (default: 2).
	Factor float64

	// Interval is the delay between probes of a healthy service
	// (default: 60s).
	Interval time.Duration

	// Timeout limits each probe call (default: 10s).
	Timeout time.Duration
}

// DefaultSchedule returns 2s..60s doubling backoff, 60s healthy
// polling and a 10s probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		RetryMin: 2 * time.Second,
		RetryMax: 60 * time.Second,
		Factor:   2,
		Interval: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.RetryMin <= 0 {
		s.RetryMin = d.RetryMin
	}
	if s.RetryMax <= 0 {
		s.RetryMax = d.RetryMax
	}
	if s.RetryMax < s.RetryMin {
		s.RetryMax = s.RetryMin
	}
	if s.Factor < 1 {
		s.Factor = d.Factor
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Health is the reachability of one service, shaped for the /health
// endpoint.
type Health struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Service probes one dependency until stopped.
type Service struct {
	name   string
	probe  Probe
	sched  Schedule
	bus    *events.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	known     bool // at least one probe has completed
	ready     bool
	since     time.Time
	lastCheck time.Time
	lastErr   error
	failures  int
}

// Ready reports whether the last probe succeeded.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Health returns the current reachability record.
func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Name:      s.name,
		Ready:     s.ready,
		Since:     s.since,
		LastCheck: s.lastCheck,
		Failures:  s.failures,
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

// Stop ends probing and waits for the probe loop to exit.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	delay := s.sched.RetryMin
	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.sched.Timeout)
		err := s.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		s.record(err)

		wait := s.sched.Interval
		if err != nil {
			wait = delay
			delay = time.Duration(float64(delay) * s.sched.Factor)
			if delay > s.sched.RetryMax {
				delay = s.sched.RetryMax
			}
		} else {
			delay = s.sched.RetryMin
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// record stores a probe result and announces a change of reachability.
func (s *Service) record(err error) {
	now := time.Now()

	s.mu.Lock()
	s.lastCheck = now
	s.lastErr = err
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	ready := err == nil
	changed := !s.known || s.ready != ready
	s.known = true
	s.ready = ready
	if changed {
		s.since = now
	}
	failures := s.failures
	s.mu.Unlock()

	if !changed {
		if err != nil {
			s.logger.Debug("service still unreachable",
				"service", s.name,
				"failures", failures,
				"error", err,
			)
		}
		return
	}

	if ready {
		s.logger.Info("service reachable", "service", s.name)
		s.bus.Publish(events.Event{
			Source: events.SourceConnwatch,
			Kind:   events.KindServiceUp,
			Data:   map[string]any{"service": s.name},
		})
		return
	}
	s.logger.Warn("service unreachable", "service", s.name, "error", err)
	s.bus.Publish(events.Event{
		Source: events.SourceConnwatch,
		Kind:   events.KindServiceDown,
		Data:   map[string]any{"service": s.name, "error": err.Error()},
	})
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Monitor owns the probed services of one process.
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*Service
}

// NewMonitor creates a monitor that publishes transitions to bus. Both
// arguments may be nil.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:      bus,
		logger:   logger,
		services: make(map[string]*Service),
	}
}

// Add starts probing a service under name. Zero Schedule fields take
// their defaults. Probing runs until ctx ends or Stop is called.
func (m *Monitor) Add(ctx context.Context, name string, probe Probe, sched Schedule) (*Service, error) {
	if name == "" {
		return nil, errors.New("connwatch: service name is empty")
	}
	if probe == nil {
		return nil, fmt.Errorf("connwatch: service %s has no probe", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.services[name]; dup {
		return nil, fmt.Errorf("connwatch: service %s already watched", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		name:   name,
		probe:  probe,
		sched:  sched.withDefaults(),
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.services[name] = s
	go s.run(ctx)
	return s, nil
}

// Health returns every service's record, ordered by name.
func (m *Monitor) Health() []Health {
	m.mu.RLock()
	out := make([]Health, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s.Health())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched service is reachable. A monitor
// with no services is ready.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.services {
		if !s.Ready() {
			return false
		}
	}
	return true
}

// Stop stops every service and waits for their probe loops to exit.
// Safe to call on a nil Monitor.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.RLock()
	services := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.RUnlock()

	for _, s := range services {
		s.Stop()
	}
}
