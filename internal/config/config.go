// Package config handles proxwatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/proxwatch/internal/proximity"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/proxwatch/config.yaml, /etc/proxwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "proxwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/proxwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all proxwatch configuration.
type Config struct {
	Watch      WatchConfig      `yaml:"watch"`
	UniFi      UniFiConfig      `yaml:"unifi"`
	BLE        BLEConfig        `yaml:"ble"`
	ESPresense ESPresenseConfig `yaml:"espresense"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Control    ControlConfig    `yaml:"control"`
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// WatchConfig selects the tracked device and the near/far cutoff.
type WatchConfig struct {
	// Target is the device address to track. It is normalized
	// (trimmed, lower-cased) by [Config.Validate].
	Target string `yaml:"target"`

	// Threshold is the signal strength in dBm above which the target
	// counts as near. Default -70.
	Threshold *int `yaml:"threshold"`

	// ExitThreshold, when set, turns on a two-level band: the target
	// becomes present above Threshold and only becomes absent again
	// at or below ExitThreshold. Must not exceed Threshold.
	ExitThreshold *int `yaml:"exit_threshold"`
}

// ThresholdOrDefault returns the configured threshold or
// [proximity.DefaultThreshold].
func (w WatchConfig) ThresholdOrDefault() int {
	if w.Threshold == nil {
		return proximity.DefaultThreshold
	}
	return *w.Threshold
}

// Classifier returns the band classifier when an exit threshold is
// configured, or nil for the plain single-threshold rule.
func (w WatchConfig) Classifier() proximity.Classifier {
	if w.ExitThreshold == nil {
		return nil
	}
	return proximity.Band(w.ThresholdOrDefault(), *w.ExitThreshold)
}

// UniFiConfig configures the UniFi controller sighting source.
type UniFiConfig struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	Site            string `yaml:"site"`              // default "default"
	PollIntervalSec int    `yaml:"poll_interval_sec"` // default 30
}

// Configured reports whether the UniFi source has enough settings to run.
func (c UniFiConfig) Configured() bool {
	return c.URL != "" && c.APIKey != ""
}

// BLEConfig configures the local Bluetooth LE radio source.
type BLEConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ESPresenseConfig configures sightings relayed by ESPresense base
// stations over MQTT. Requires the mqtt section.
type ESPresenseConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopicPrefix is the ESPresense device topic root. Default
	// "espresense/devices".
	TopicPrefix string `yaml:"topic_prefix"`

	// RateLimitPerMinute caps inbound messages. Default 600; 0 after
	// defaults disables the limit.
	RateLimitPerMinute *int64 `yaml:"rate_limit_per_minute"`
}

// MQTTConfig configures the broker connection used for the presence
// sensor, the command control and the ESPresense source.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://, mqtts://, ssl://, tcp://
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"
	DeviceName      string `yaml:"device_name"`      // default hostname
	CommandEnabled  bool   `yaml:"command_enabled"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ControlConfig configures the file-based stop control.
type ControlConfig struct {
	// File is the path of the control file. Writing "stop" to it stops
	// the running watcher. Empty disables the file control.
	File string `yaml:"file"`
}

// ListenConfig defines the status server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// target or source set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Watch.Threshold == nil {
		t := proximity.DefaultThreshold
		c.Watch.Threshold = &t
	}
	if c.UniFi.Site == "" {
		c.UniFi.Site = "default"
	}
	if c.UniFi.PollIntervalSec == 0 {
		c.UniFi.PollIntervalSec = 30
	}
	if c.ESPresense.TopicPrefix == "" {
		c.ESPresense.TopicPrefix = "espresense/devices"
	}
	if c.ESPresense.RateLimitPerMinute == nil {
		limit := int64(600)
		c.ESPresense.RateLimitPerMinute = &limit
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.MQTT.DeviceName = host
		} else {
			c.MQTT.DeviceName = "proxwatch"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for mistakes that would prevent the
// watcher from running. It normalizes the target address in place.
func (c *Config) Validate() error {
	var errs []error

	c.Watch.Target = proximity.NormalizeID(c.Watch.Target)
	if c.Watch.Target == "" {
		errs = append(errs, errors.New("watch.target is required"))
	}
	if c.Watch.ExitThreshold != nil && *c.Watch.ExitThreshold > c.Watch.ThresholdOrDefault() {
		errs = append(errs, fmt.Errorf("watch.exit_threshold (%d) must not exceed watch.threshold (%d)",
			*c.Watch.ExitThreshold, c.Watch.ThresholdOrDefault()))
	}

	if !c.UniFi.Configured() && !c.BLE.Enabled && !c.ESPresense.Enabled {
		errs = append(errs, errors.New("no sighting source configured (unifi, ble or espresense)"))
	}
	if c.UniFi.URL != "" && c.UniFi.APIKey == "" {
		errs = append(errs, errors.New("unifi.api_key is required when unifi.url is set"))
	}
	if c.UniFi.PollIntervalSec < 0 {
		errs = append(errs, errors.New("unifi.poll_interval_sec must be positive"))
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "mqtts", "ssl", "tcp", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
			}
		}
	}
	if c.ESPresense.Enabled && !c.MQTT.Configured() {
		errs = append(errs, errors.New("espresense requires mqtt.broker"))
	}
	if c.MQTT.CommandEnabled && !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt.command_enabled requires mqtt.broker"))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
