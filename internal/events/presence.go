package events

import "github.com/nugget/proxwatch/internal/proximity"

// PresenceSink publishes presence changes onto a bus. It satisfies the
// watcher's publisher interface: Publish never blocks and never fails,
// and delivery to any particular listener is not guaranteed.
type PresenceSink struct {
	bus *Bus
}

// NewPresenceSink returns a sink that publishes to bus. A nil bus makes
// every Publish a no-op.
func NewPresenceSink(bus *Bus) *PresenceSink {
	return &PresenceSink{bus: bus}
}

// Publish broadcasts c as a [KindPresenceChanged] event.
func (s *PresenceSink) Publish(c proximity.PresenceChange) {
	s.bus.Publish(Event{
		Source: SourceWatcher,
		Kind:   KindPresenceChanged,
		Data: map[string]any{
			"identifier": c.Identifier,
			"present":    c.Present,
		},
	})
}

// PresenceFromEvent extracts the presence change carried by e. It
// returns false for events of any other kind or with malformed data.
func PresenceFromEvent(e Event) (proximity.PresenceChange, bool) {
	if e.Kind != KindPresenceChanged {
		return proximity.PresenceChange{}, false
	}
	id, ok := e.Data["identifier"].(string)
	if !ok {
		return proximity.PresenceChange{}, false
	}
	present, ok := e.Data["present"].(bool)
	if !ok {
		return proximity.PresenceChange{}, false
	}
	return proximity.PresenceChange{Identifier: id, Present: present}, true
}
