package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/proxwatch/internal/config"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Handlers run on the client's receive goroutine and
// must not block.
type MessageHandler func(topic string, payload []byte)

// Conn is the part of the broker connection that sensors, sources and
// controls depend on. [Client] is the production implementation.
type Conn interface {
	// Publish sends payload to topic at QoS 1.
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error

	// Handle routes messages matching filter to fn until the returned
	// function is called. The filter is (re-)subscribed on every
	// connect.
	Handle(filter string, fn MessageHandler) (remove func())

	// OnConnect registers fn to run after every (re-)connect.
	OnConnect(fn func(ctx context.Context))
}

const subscribeTimeout = 10 * time.Second

type route struct {
	id     uint64
	filter string
	fn     MessageHandler
}

// Client manages the broker connection with automatic reconnection.
// When created with an instance ID it announces availability with a
// retained birth message and a will; a client without an instance ID
// is a short-lived command sender and announces nothing.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	topics     Topics
	logger     *slog.Logger

	mu        sync.Mutex
	routes    []route
	nextID    uint64
	onConnect []func(ctx context.Context)
	cm        *autopaho.ConnectionManager
	ctx       context.Context
}

// NewClient creates a Client but does not connect. Call
// [Client.Connect] to start the connection.
func NewClient(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		topics:     NewTopics(cfg.DeviceName, cfg.DiscoveryPrefix),
		logger:     logger,
	}
}

// Topics returns the topic layout for this client's device.
func (c *Client) Topics() Topics { return c.topics }

// Connect starts the connection manager and waits up to 30 seconds for
// the first connection. A timeout is logged, not returned; autopaho
// keeps retrying in the background. The connection lives until ctx is
// cancelled or [Client.Stop] is called.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := "proxwatch-" + c.cfg.DeviceName
	if c.instanceID == "" {
		clientID += "-ctl-" + uuid.NewString()[:8]
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.connectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if c.instanceID != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.topics.Availability,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.ctx = ctx
	c.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// connectionUp announces availability, re-subscribes every routed
// filter and runs the registered connect hooks.
func (c *Client) connectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	if c.instanceID != "" {
		c.publishAvailability(ctx, cm, "online")
	}

	c.mu.Lock()
	filters := c.filtersLocked()
	hooks := make([]func(context.Context), len(c.onConnect))
	copy(hooks, c.onConnect)
	c.mu.Unlock()

	for _, f := range filters {
		c.subscribe(ctx, cm, f)
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return nil
	}
	if c.instanceID != "" {
		c.publishAvailability(ctx, cm, "offline")
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt client not connected")
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends payload to topic at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt client not connected")
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	})
	return err
}

// OnConnect registers fn to run after every (re-)connect.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Handle routes messages matching filter to fn. If the client is
// connected the filter is subscribed right away; otherwise it is
// subscribed on the next connect. The returned function removes the
// route and unsubscribes once no route uses the filter any more.
func (c *Client) Handle(filter string, fn MessageHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	shared := c.hasFilterLocked(filter)
	c.routes = append(c.routes, route{id: id, filter: filter, fn: fn})
	cm, ctx := c.cm, c.ctx
	c.mu.Unlock()

	if cm != nil && !shared {
		c.subscribe(ctx, cm, filter)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeRoute(id, filter) })
	}
}

func (c *Client) removeRoute(id uint64, filter string) {
	c.mu.Lock()
	for i, r := range c.routes {
		if r.id == id {
			c.routes = append(c.routes[:i], c.routes[i+1:]...)
			break
		}
	}
	stillUsed := c.hasFilterLocked(filter)
	cm, ctx := c.cm, c.ctx
	c.mu.Unlock()

	if cm == nil || stillUsed || ctx.Err() != nil {
		return
	}
	uctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := cm.Unsubscribe(uctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		c.logger.Debug("mqtt unsubscribe failed", "filter", filter, "error", err)
	}
}

// dispatch hands a received message to every matching route.
func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	var fns []MessageHandler
	for _, r := range c.routes {
		if matchTopic(r.filter, topic) {
			fns = append(fns, r.fn)
		}
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		c.logger.Debug("mqtt message without route", "topic", topic, "payload_size", len(payload))
		return
	}
	for _, fn := range fns {
		fn(topic, payload)
	}
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, filter string) {
	sctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if _, err := cm.Subscribe(sctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		// Retried on the next connect.
		c.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	c.logger.Debug("mqtt subscribed", "filter", filter)
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.topics.Availability,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}

func (c *Client) hasFilterLocked(filter string) bool {
	for _, r := range c.routes {
		if r.filter == filter {
			return true
		}
	}
	return false
}

func (c *Client) filtersLocked() []string {
	seen := make(map[string]bool, len(c.routes))
	var out []string
	for _, r := range c.routes {
		if !seen[r.filter] {
			seen[r.filter] = true
			out = append(out, r.filter)
		}
	}
	return out
}

// matchTopic reports whether topic matches the subscription filter,
// honoring the single-level (+) and multi-level (#) wildcards.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
