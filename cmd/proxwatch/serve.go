package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/proxwatch/internal/ble"
	"github.com/nugget/proxwatch/internal/buildinfo"
	"github.com/nugget/proxwatch/internal/config"
	"github.com/nugget/proxwatch/internal/connwatch"
	"github.com/nugget/proxwatch/internal/control"
	"github.com/nugget/proxwatch/internal/events"
	"github.com/nugget/proxwatch/internal/mqtt"
	"github.com/nugget/proxwatch/internal/unifi"
	"github.com/nugget/proxwatch/internal/watcher"
	"github.com/nugget/proxwatch/internal/web"
)

const shutdownTimeout = 5 * time.Second

// runServe handles "proxwatch serve". It wires the configured sources,
// controls and outputs around one watcher and blocks until a signal
// arrives or a stop control shuts the process down.
//
// The shutdown sequence is:
//  1. SIGINT, SIGTERM or a stop action cancels the context
//  2. The watcher stops (a no-op if a stop action already stopped it)
//  3. The status server drains, health probes end
//  4. The MQTT client publishes "offline" and disconnects
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	build := buildinfo.Current()
	logger.Info("starting proxwatch", "version", build.Version, "commit", build.Commit, "built", build.Time)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"target", cfg.Watch.Target,
		"threshold", cfg.Watch.ThresholdOrDefault(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	health := connwatch.NewMonitor(bus, logger)
	defer health.Stop()

	var sources []watcher.SightingSource
	var controls []watcher.StopControl

	if cfg.UniFi.Configured() {
		client := unifi.NewClient(cfg.UniFi.URL, cfg.UniFi.APIKey, cfg.UniFi.Site, logger)
		if _, err := health.Add(ctx, "unifi", client.Ping, connwatch.DefaultSchedule()); err != nil {
			return err
		}
		sources = append(sources, unifi.NewSource(unifi.SourceConfig{
			Locator:      client,
			PollInterval: time.Duration(cfg.UniFi.PollIntervalSec) * time.Second,
			Logger:       logger,
		}))
		logger.Info("unifi source configured", "url", cfg.UniFi.URL, "site", cfg.UniFi.Site)
	}

	if cfg.BLE.Enabled {
		sources = append(sources, ble.NewSource(ble.DefaultRadio(), 0, logger))
		logger.Info("ble source configured")
	}

	var mqttClient *mqtt.Client
	var sensor *mqtt.PresenceSensor
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttClient = mqtt.NewClient(cfg.MQTT, instanceID, logger)
		mqttClient.OnConnect(func(context.Context) {
			bus.Publish(events.Event{
				Source: events.SourceMQTT,
				Kind:   events.KindConnected,
				Data:   map[string]any{"broker": cfg.MQTT.Broker},
			})
		})

		sensor = mqtt.NewPresenceSensor(mqttClient, mqttClient.Topics(), instanceID, cfg.MQTT.DeviceName, cfg.Watch.Target, logger)
		sensorEvents := bus.Subscribe(64)
		defer bus.Unsubscribe(sensorEvents)
		go sensor.Run(ctx, sensorEvents)

		if cfg.ESPresense.Enabled {
			sources = append(sources, mqtt.NewESPresenseSource(mqttClient, cfg.ESPresense, logger))
			logger.Info("espresense source configured", "topic_prefix", cfg.ESPresense.TopicPrefix)
		}
		if cfg.MQTT.CommandEnabled {
			controls = append(controls, mqtt.NewCommandControl(mqttClient, mqttClient.Topics(), logger))
			logger.Info("mqtt stop command enabled", "topic", mqttClient.Topics().Command)
		}

		if err := mqttClient.Connect(ctx); err != nil {
			return err
		}
		if _, err := health.Add(ctx, "mqtt", mqttClient.AwaitConnection, connwatch.DefaultSchedule()); err != nil {
			return err
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := mqttClient.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
		}()
	}

	if cfg.Control.File != "" {
		controls = append(controls, control.NewFile(cfg.Control.File, logger))
		logger.Info("file stop control enabled", "path", cfg.Control.File)
	}

	lifecycle := watcher.New(watcher.Config{
		Control:  watcher.Controls(controls...),
		Shutdown: cancel,
		Events:   bus,
		Logger:   logger,
	})
	if sensor != nil {
		sensor.Follow(lifecycle)
	}

	opts := watcher.Options{
		Target:     cfg.Watch.Target,
		Threshold:  cfg.Watch.ThresholdOrDefault(),
		Classifier: cfg.Watch.Classifier(),
	}
	if err := lifecycle.Start(ctx, opts, watcher.Sources(sources...), events.NewPresenceSink(bus)); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer lifecycle.Stop()

	serverErr := make(chan error, 1)
	var server *web.Server
	if cfg.Listen.Port > 0 {
		server = web.NewServer(cfg.Listen.Address, cfg.Listen.Port, lifecycle, health, bus, logger)
		go func() { serverErr <- server.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	lifecycle.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}

	logger.Info("proxwatch stopped")
	return nil
}
