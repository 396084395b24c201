package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/proximity"
)

// ESPresenseSource turns ESPresense base station reports into
// sightings. Each station publishes one JSON message per device it
// hears to <prefix>/<device id>/<room>.
type ESPresenseSource struct {
	conn   Conn
	prefix string
	limit  int64
	logger *slog.Logger
}

// espresenseMessage holds the fields of an ESPresense device report
// that proxwatch uses.
type espresenseMessage struct {
	ID   string   `json:"id"`
	MAC  string   `json:"mac"`
	RSSI *float64 `json:"rssi"`
}

// NewESPresenseSource returns a source subscribed through conn.
func NewESPresenseSource(conn Conn, cfg config.ESPresenseConfig, logger *slog.Logger) *ESPresenseSource {
	if logger == nil {
		logger = slog.Default()
	}
	var limit int64
	if cfg.RateLimitPerMinute != nil {
		limit = *cfg.RateLimitPerMinute
	}
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "espresense/devices"
	}
	return &ESPresenseSource{conn: conn, prefix: prefix, limit: limit, logger: logger}
}

// Subscribe routes device reports to onSighting until the returned
// subscription is closed. Reports over the per-minute rate limit are
// dropped. ESPresense has no scan failures of its own, so onFailure is
// never called.
func (s *ESPresenseSource) Subscribe(ctx context.Context, onSighting func(proximity.Sighting), _ func(int)) (io.Closer, error) {
	ctx, cancel := context.WithCancel(ctx)

	var limiter *messageRateLimiter
	if s.limit > 0 {
		limiter = newMessageRateLimiter(s.limit, time.Minute, s.logger)
		go limiter.start(ctx)
	}

	sub := &espresenseSub{cancel: cancel}
	sub.remove = s.conn.Handle(s.prefix+"/#", func(topic string, payload []byte) {
		sub.mu.RLock()
		defer sub.mu.RUnlock()
		if sub.closed {
			return
		}
		if limiter != nil && !limiter.allow() {
			return
		}
		sighting, room, err := parseESPresense(s.prefix, topic, payload)
		if err != nil {
			s.logger.Debug("ignoring espresense message", "topic", topic, "error", err)
			return
		}
		s.logger.Log(ctx, config.LevelTrace, "espresense report",
			"identifier", sighting.Identifier,
			"strength", sighting.Strength,
			"room", room,
		)
		onSighting(sighting)
	})

	s.logger.Info("espresense source subscribed", "filter", s.prefix+"/#", "rate_limit_per_minute", s.limit)
	return sub, nil
}

type espresenseSub struct {
	mu     sync.RWMutex
	closed bool
	remove func()
	cancel context.CancelFunc
}

// Close removes the route and waits for any in-flight report to finish
// so no sighting is delivered after it returns.
func (s *espresenseSub) Close() error {
	s.remove()
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// parseESPresense decodes one device report. The MAC address is
// preferred over the ESPresense id when both are present.
func parseESPresense(prefix, topic string, payload []byte) (proximity.Sighting, string, error) {
	var msg espresenseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return proximity.Sighting{}, "", err
	}
	if msg.RSSI == nil {
		return proximity.Sighting{}, "", errors.New("report has no rssi")
	}

	id := canonicalMAC(msg.MAC)
	if id == "" {
		id = proximity.NormalizeID(msg.ID)
	}
	if id == "" {
		return proximity.Sighting{}, "", errors.New("report has no device id")
	}

	var room string
	if rest, ok := strings.CutPrefix(topic, prefix+"/"); ok {
		if _, r, found := strings.Cut(rest, "/"); found {
			room = r
		}
	}

	return proximity.Sighting{
		Identifier: id,
		Strength:   int(math.Round(*msg.RSSI)),
	}, room, nil
}

// canonicalMAC normalizes a MAC address and inserts colons into the
// bare 12-digit form ESPresense uses.
func canonicalMAC(mac string) string {
	mac = proximity.NormalizeID(mac)
	if len(mac) != 12 || strings.ContainsAny(mac, ":-") {
		return strings.ReplaceAll(mac, "-", ":")
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(mac[i : i+2])
	}
	return b.String()
}
