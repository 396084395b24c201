package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/events"
	"github.com/nugget/proxwatch/internal/proximity"
	"github.com/nugget/proxwatch/internal/watcher"
)

const (
	payloadOn  = "ON"
	payloadOff = "OFF"

	publishTimeout = 10 * time.Second
)

// StateSource reports the watcher's current state.
type StateSource interface {
	Snapshot() watcher.Snapshot
}

// PresenceSensor mirrors the watcher into Home Assistant: a presence
// binary_sensor for the target and a diagnostic sensor for the watcher
// status. It follows the event bus and republishes everything on every
// broker (re-)connect. With a [StateSource] set through
// [PresenceSensor.Follow], each republish is rebuilt from the watcher
// itself, so an event the bus dropped is repaired on the next connect.
type PresenceSensor struct {
	conn       Conn
	topics     Topics
	instanceID string
	device     DeviceInfo
	target     string
	logger     *slog.Logger

	mu          sync.Mutex
	state       StateSource
	present     bool
	changedAt   time.Time
	status      string
	lastFailure string
}

// presenceAttributes is the JSON attributes payload of the presence
// entity.
type presenceAttributes struct {
	Target          string    `json:"target"`
	ChangedAt       time.Time `json:"changed_at,omitzero"`
	LastScanFailure string    `json:"last_scan_failure,omitempty"`
}

// NewPresenceSensor creates the sensor and registers its discovery
// announcement with conn. Create it before connecting so the first
// connect already announces it.
func NewPresenceSensor(conn Conn, topics Topics, instanceID, deviceName, target string, logger *slog.Logger) *PresenceSensor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PresenceSensor{
		conn:       conn,
		topics:     topics,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, deviceName),
		target:     target,
		logger:     logger,
		status:     "stopped",
	}
	conn.OnConnect(s.announce)
	return s
}

// Follow makes every announce read presence and status from src.
func (s *PresenceSensor) Follow(src StateSource) {
	s.mu.Lock()
	s.state = src
	s.mu.Unlock()
}

// refresh reloads presence and status from the state source, if any. A
// watcher that is not running reports absent.
func (s *PresenceSensor) refresh() {
	s.mu.Lock()
	src := s.state
	s.mu.Unlock()
	if src == nil {
		return
	}

	snap := src.Snapshot()
	s.mu.Lock()
	s.status = snap.Status.String()
	s.present = snap.Status == watcher.Running && snap.Presence == proximity.Present.String()
	s.mu.Unlock()
}

// Run follows a bus subscription until ctx is cancelled or ch is
// closed, publishing presence and status changes as they happen. The
// caller subscribes before starting the watcher so no status event is
// missed.
func (s *PresenceSensor) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, e)
		}
	}
}

func (s *PresenceSensor) handle(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindPresenceChanged:
		change, ok := events.PresenceFromEvent(e)
		if !ok || change.Identifier != s.target {
			return
		}
		s.mu.Lock()
		s.present = change.Present
		s.changedAt = e.Timestamp
		s.mu.Unlock()
		s.publishPresence(ctx)

	case events.KindStatusChanged:
		status, _ := e.Data["status"].(string)
		if status == "" {
			return
		}
		// A fresh run starts absent and a stopped watcher sees nothing.
		reset := status == watcher.Starting.String() || status == watcher.Stopped.String()
		s.mu.Lock()
		s.status = status
		if reset {
			s.present = false
		}
		s.mu.Unlock()
		s.publishStatus(ctx)
		if reset {
			s.publishPresence(ctx)
		}

	case events.KindScanFailed:
		reason, _ := e.Data["reason"].(string)
		s.mu.Lock()
		s.lastFailure = reason
		s.mu.Unlock()
		s.publishAttributes(ctx)
	}
}

// announce publishes discovery configs and the current state.
func (s *PresenceSensor) announce(ctx context.Context) {
	s.refresh()
	for _, d := range s.definitions() {
		payload, err := json.Marshal(d.config)
		if err != nil {
			s.logger.Error("mqtt marshal discovery payload",
				"entity", d.entity, "error", err)
			continue
		}
		topic := s.topics.Discovery(d.component, d.entity)
		if err := s.publish(ctx, topic, payload); err != nil {
			s.logger.Warn("mqtt discovery publish failed",
				"entity", d.entity, "topic", topic, "error", err)
		} else {
			s.logger.Debug("mqtt discovery published",
				"entity", d.entity, "topic", topic)
		}
	}
	s.publishPresence(ctx)
	s.publishStatus(ctx)
}

type entityDef struct {
	component string
	entity    string
	config    EntityConfig
}

func (s *PresenceSensor) definitions() []entityDef {
	return []entityDef{
		{
			component: "binary_sensor",
			entity:    "presence",
			config: EntityConfig{
				Name:                s.device.Name + " Presence",
				UniqueID:            s.instanceID + "_presence",
				StateTopic:          s.topics.PresenceState,
				AvailabilityTopic:   s.topics.Availability,
				JsonAttributesTopic: s.topics.PresenceAttributes,
				Device:              s.device,
				DeviceClass:         "presence",
				PayloadOn:           payloadOn,
				PayloadOff:          payloadOff,
			},
		},
		{
			component: "sensor",
			entity:    "status",
			config: EntityConfig{
				Name:              s.device.Name + " Watcher Status",
				UniqueID:          s.instanceID + "_status",
				StateTopic:        s.topics.StatusState,
				AvailabilityTopic: s.topics.Availability,
				Device:            s.device,
				Icon:              "mdi:radar",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (s *PresenceSensor) publishPresence(ctx context.Context) {
	s.mu.Lock()
	state := payloadOff
	if s.present {
		state = payloadOn
	}
	s.mu.Unlock()

	if err := s.publish(ctx, s.topics.PresenceState, []byte(state)); err != nil {
		s.logger.Debug("mqtt presence publish failed", "state", state, "error", err)
	}
	s.publishAttributes(ctx)
}

func (s *PresenceSensor) publishAttributes(ctx context.Context) {
	s.mu.Lock()
	attrs := presenceAttributes{
		Target:          s.target,
		ChangedAt:       s.changedAt,
		LastScanFailure: s.lastFailure,
	}
	s.mu.Unlock()

	payload, err := json.Marshal(attrs)
	if err != nil {
		s.logger.Error("mqtt marshal presence attributes", "error", err)
		return
	}
	if err := s.publish(ctx, s.topics.PresenceAttributes, payload); err != nil {
		s.logger.Debug("mqtt attributes publish failed", "error", err)
	}
}

func (s *PresenceSensor) publishStatus(ctx context.Context) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if err := s.publish(ctx, s.topics.StatusState, []byte(status)); err != nil {
		s.logger.Debug("mqtt status publish failed", "status", status, "error", err)
	}
}

func (s *PresenceSensor) publish(ctx context.Context, topic string, payload []byte) error {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return s.conn.Publish(pctx, topic, payload, true)
}
