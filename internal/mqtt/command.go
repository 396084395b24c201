package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/proxwatch/internal/control"
)

// CommandControl is a stop control fed by the device's command topic.
// Payloads are a bare action ("stop") or {"action":"stop"}.
type CommandControl struct {
	conn   Conn
	topic  string
	logger *slog.Logger
}

// NewCommandControl returns a control listening on topics.Command.
func NewCommandControl(conn Conn, topics Topics, logger *slog.Logger) *CommandControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandControl{conn: conn, topic: topics.Command, logger: logger}
}

// Listen routes command messages to handler until the returned
// registration is closed.
func (c *CommandControl) Listen(handler func(action string)) (io.Closer, error) {
	remove := c.conn.Handle(c.topic, func(topic string, payload []byte) {
		action := control.ParseAction(payload)
		if action == "" {
			c.logger.Warn("unparseable mqtt command", "topic", topic, "payload_size", len(payload))
			return
		}
		c.logger.Info("mqtt command received", "topic", topic, "action", action)
		handler(action)
	})
	return closeFunc(remove), nil
}

// SendCommand publishes action to the command topic of the device
// described by topics. Commands are not retained, so a watcher that is
// not running never sees a stale stop.
func SendCommand(ctx context.Context, conn Conn, topics Topics, action string) error {
	payload, err := json.Marshal(struct {
		Action string `json:"action"`
	}{action})
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, topics.Command, payload, false); err != nil {
		return fmt.Errorf("publish %s: %w", topics.Command, err)
	}
	return nil
}

// closeFunc adapts a removal function to io.Closer.
type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}
