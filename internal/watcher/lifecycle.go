package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/events"
	"github.com/nugget/proxwatch/internal/proximity"
)

// Config wires the lifecycle to its host. Every field is optional.
type Config struct {
	// Control delivers external stop requests while the watcher runs.
	Control StopControl

	// Shutdown is called after a control-initiated stop to take the
	// whole host process down (typically a root context cancel).
	Shutdown func()

	// Events receives status, scan-failure and stop events.
	Events *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Snapshot is a point-in-time view of the watcher for status reporting.
type Snapshot struct {
	Status          Status    `json:"status"`
	Since           time.Time `json:"since"`
	Target          string    `json:"target,omitempty"`
	Presence        string    `json:"presence,omitempty"`
	LastScanFailure string    `json:"last_scan_failure,omitempty"`
	LastScanFailAt  time.Time `json:"last_scan_failure_at,omitzero"`
}

// Lifecycle coordinates one sighting subscription, one proximity filter
// and one publisher. The zero value is not usable; call [New].
type Lifecycle struct {
	control  StopControl
	shutdown func()
	bus      *events.Bus
	logger   *slog.Logger

	// op serializes Start and Stop so a stop racing a start waits for
	// the start to settle.
	op sync.Mutex

	mu        sync.Mutex
	status    Status
	since     time.Time
	filter    *proximity.Filter
	publisher Publisher
	sub       io.Closer
	listener  io.Closer

	lastFailure   *ScanFailure
	lastFailureAt time.Time
}

// New returns a stopped lifecycle.
func New(cfg Config) *Lifecycle {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lifecycle{
		control:  cfg.Control,
		shutdown: cfg.Shutdown,
		bus:      cfg.Events,
		logger:   cfg.Logger,
		since:    time.Now(),
	}
}

// Start builds a fresh filter from opts, registers the stop control,
// opens the sighting subscription and moves to Running. It fails with
// [ErrAlreadyRunning] unless the watcher is stopped, before options are
// checked. If the source
// cannot be opened the watcher returns to Stopped, a scan_unavailable
// event is published and the error wraps [ErrSourceUnavailable].
func (l *Lifecycle) Start(ctx context.Context, opts Options, src SightingSource, pub Publisher) error {
	l.op.Lock()
	defer l.op.Unlock()

	// Status only changes under op, so it cannot move between this check
	// and the transition to Starting below.
	if status := l.Status(); status != Stopped {
		return fmt.Errorf("%w (status %s)", ErrAlreadyRunning, status)
	}
	if err := opts.validate(); err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: no sighting source", ErrSourceUnavailable)
	}

	l.mu.Lock()
	l.filter = opts.newFilter()
	l.publisher = pub
	l.setStatusLocked(Starting)
	l.mu.Unlock()

	var listener io.Closer
	if l.control != nil {
		var err error
		listener, err = l.control.Listen(l.HandleControl)
		if err != nil {
			l.abortStart()
			return fmt.Errorf("register stop control: %w", err)
		}
	}

	sub, err := src.Subscribe(ctx, l.OnSighting, l.OnScanFailed)
	if err != nil {
		l.release("stop_control", listener)
		l.abortStart()
		l.logger.Error("sighting source unavailable", "error", err)
		l.bus.Publish(events.Event{
			Source: events.SourceWatcher,
			Kind:   events.KindScanUnavailable,
			Data:   map[string]any{"error": err.Error()},
		})
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	l.mu.Lock()
	l.sub = sub
	l.listener = listener
	l.setStatusLocked(Running)
	l.mu.Unlock()

	l.logger.Info("watcher running",
		"target", opts.Target,
		"threshold", opts.Threshold,
		"stop_control", l.control != nil,
	)
	return nil
}

// abortStart returns a half-started watcher to Stopped.
func (l *Lifecycle) abortStart() {
	l.mu.Lock()
	l.filter = nil
	l.publisher = nil
	l.setStatusLocked(Stopped)
	l.mu.Unlock()
}

// Stop closes the sighting subscription and the control registration
// and moves to Stopped. Calling Stop on a stopped watcher is a no-op.
// Release failures are logged and published as close_failed events;
// the watcher reaches Stopped regardless.
//
// Status moves to Stopping before the subscription is closed, so no
// presence change is published once Close has returned.
func (l *Lifecycle) Stop() {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	if l.status == Stopped {
		l.mu.Unlock()
		return
	}
	sub, listener := l.sub, l.listener
	l.sub, l.listener = nil, nil
	l.setStatusLocked(Stopping)
	l.mu.Unlock()

	l.release("sighting_source", sub)
	l.release("stop_control", listener)

	l.mu.Lock()
	l.publisher = nil
	l.setStatusLocked(Stopped)
	l.mu.Unlock()

	l.logger.Info("watcher stopped")
}

// release closes c on a best-effort basis.
func (l *Lifecycle) release(resource string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		l.logger.Warn("release failed during stop",
			"resource", resource,
			"error", err,
		)
		l.bus.Publish(events.Event{
			Source: events.SourceWatcher,
			Kind:   events.KindCloseFailed,
			Data:   map[string]any{"resource": resource, "error": err.Error()},
		})
	}
}

// OnSighting feeds one sighting to the filter while the watcher is
// running and publishes any resulting change. Sightings that arrive in
// any other status are dropped.
func (l *Lifecycle) OnSighting(s proximity.Sighting) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != Running {
		return
	}

	l.logger.Log(context.Background(), config.LevelTrace, "sighting",
		"identifier", s.Identifier,
		"strength", s.Strength,
	)

	change, ok := l.filter.Observe(s)
	if !ok {
		return
	}

	l.logger.Info("presence changed",
		"identifier", change.Identifier,
		"present", change.Present,
		"strength", s.Strength,
	)
	if l.publisher != nil {
		l.publisher.Publish(change)
	}
}

// OnScanFailed records a scan failure reported by the source. The
// watcher keeps running and presence is untouched; the failure is only
// visible in the log, the event bus and [Lifecycle.Snapshot].
func (l *Lifecycle) OnScanFailed(code int) {
	failure := ScanFailure{Code: code}

	l.mu.Lock()
	l.lastFailure = &failure
	l.lastFailureAt = time.Now()
	status := l.status
	l.mu.Unlock()

	l.logger.Warn("scan failed, continuing",
		"code", code,
		"reason", proximity.ScanFailureName(code),
		"status", status.String(),
	)
	l.bus.Publish(events.Event{
		Source: events.SourceWatcher,
		Kind:   events.KindScanFailed,
		Data:   map[string]any{"code": code, "reason": proximity.ScanFailureName(code)},
	})
}

// HandleControl is the handler registered with the stop control. The
// stop action triggers [Lifecycle.OnStopSignal] on its own goroutine so
// the delivering adapter is free to be closed; anything else is ignored.
func (l *Lifecycle) HandleControl(action string) {
	if !IsStopAction(action) {
		l.logger.Debug("ignoring control action", "action", action)
		return
	}
	go l.OnStopSignal()
}

// OnStopSignal stops the watcher and then shuts down the host.
func (l *Lifecycle) OnStopSignal() {
	l.logger.Info("stop signal received")
	l.bus.Publish(events.Event{
		Source: events.SourceControl,
		Kind:   events.KindStopRequested,
		Data:   map[string]any{"action": ActionStop},
	})

	l.Stop()
	if l.shutdown != nil {
		l.shutdown()
	}
}

// Status returns the current lifecycle status.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Snapshot returns the current status, target and presence.
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Status: l.status,
		Since:  l.since,
	}
	if l.filter != nil {
		s.Target = l.filter.Target()
		s.Presence = l.filter.State().String()
	}
	if l.lastFailure != nil {
		s.LastScanFailure = l.lastFailure.Error()
		s.LastScanFailAt = l.lastFailureAt
	}
	return s
}

// setStatusLocked records a transition and announces it. Must be called
// with l.mu held; bus publishing never blocks.
func (l *Lifecycle) setStatusLocked(next Status) {
	prev := l.status
	if prev == next {
		return
	}
	l.status = next
	l.since = time.Now()

	l.logger.Debug("watcher status changed",
		"previous", prev.String(),
		"status", next.String(),
	)
	l.bus.Publish(events.Event{
		Source: events.SourceWatcher,
		Kind:   events.KindStatusChanged,
		Data:   map[string]any{"status": next.String(), "previous": prev.String()},
	})
}
