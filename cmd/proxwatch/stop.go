package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/control"
	"github.com/nugget/proxwatch/internal/mqtt"
	"github.com/nugget/proxwatch/internal/watcher"
)

const commandTimeout = 10 * time.Second

// runStop handles "proxwatch stop". It delivers the stop action through
// the control file when one is configured, otherwise through the MQTT
// command topic.
func runStop(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	switch {
	case cfg.Control.File != "":
		if err := control.Send(cfg.Control.File, watcher.ActionStop); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
		fmt.Fprintf(stdout, "stop requested via %s\n", cfg.Control.File)
		return nil

	case cfg.MQTT.Configured() && cfg.MQTT.CommandEnabled:
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger := newLogger(stdout, max(level, slog.LevelWarn), cfg.LogFormat)

		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		client := mqtt.NewClient(cfg.MQTT, "", logger)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			client.Stop(stopCtx)
		}()

		if err := client.AwaitConnection(ctx); err != nil {
			return fmt.Errorf("connect to %s: %w", cfg.MQTT.Broker, err)
		}
		if err := mqtt.SendCommand(ctx, client, client.Topics(), watcher.ActionStop); err != nil {
			return fmt.Errorf("send stop: %w", err)
		}
		fmt.Fprintf(stdout, "stop requested via %s\n", client.Topics().Command)
		return nil

	default:
		return errors.New("no stop control configured (set control.file or mqtt.command_enabled)")
	}
}
