// Package events provides the process-wide publish/subscribe bus that
// carries presence changes and watcher status out of the core. Any
// component interested in presence (the MQTT sensor, websocket clients)
// subscribes here; the watcher never knows how many listeners exist.
//
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceWatcher identifies events from the watcher lifecycle.
	SourceWatcher = "watcher"
	// SourceControl identifies events from stop-control adapters.
	SourceControl = "control"
	// SourceMQTT identifies events from the MQTT connection.
	SourceMQTT = "mqtt"
	// SourceConnwatch identifies events from dependency health checks.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindPresenceChanged signals that the target became present or absent.
	// Data: identifier, present.
	KindPresenceChanged = "presence_changed"
	// KindStatusChanged signals a lifecycle status transition.
	// Data: status, previous.
	KindStatusChanged = "status_changed"
	// KindScanFailed signals a non-fatal scan failure reported by a source.
	// Data: code, reason.
	KindScanFailed = "scan_failed"
	// KindScanUnavailable signals that the sighting source could not be
	// opened and the watcher did not start.
	// Data: error.
	KindScanUnavailable = "scan_unavailable"
	// KindCloseFailed signals that releasing a subscription failed during
	// stop. The watcher still reaches the stopped state.
	// Data: resource, error.
	KindCloseFailed = "close_failed"
	// KindStopRequested signals that a stop control delivered the stop action.
	// Data: action.
	KindStopRequested = "stop_requested"
	// KindConnected signals an MQTT broker (re-)connection.
	// Data: broker.
	KindConnected = "connected"
	// KindServiceUp signals that a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals that a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to callers back to the
	// sendable channel so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking. A zero
// Timestamp is filled in with the current time. Safe to call on a nil
// receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Full subscriber; drop.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. bufSize is the channel
// buffer; 64 is plenty for a websocket client.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already-removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recv, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
