package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/sacn"
)

type Config struct {
	Radio struct {
		Type   string `yaml:"type"` // "uart" or "socket"
		Port   string `yaml:"port"`
		Baud   int    `yaml:"baud"`
		Device int    `yaml:"device"` // hciN for "socket"
	} `yaml:"radio"`
	Mesh struct {
		PersistKey      bool          `yaml:"persist_key"`
		Address         string        `yaml:"address"`
		SettleDelay     time.Duration `yaml:"settle_delay"`
		DiscoveryWindow time.Duration `yaml:"discovery_window"`
		PairWindow      time.Duration `yaml:"pair_window"`
		ControlHold     time.Duration `yaml:"control_hold"`
		AdvInterval     time.Duration `yaml:"adv_interval"`
		PairOnStart     *bool         `yaml:"pair_on_start"`
	} `yaml:"mesh"`
	Feed struct {
		Enabled          bool   `yaml:"enabled"`
		Universe         int    `yaml:"universe"`
		UniverseCount    int    `yaml:"universe_count"`
		ChannelsPerLight int    `yaml:"channels_per_light"`
		StartChannel     int    `yaml:"start_channel"`
		Brightness       *int   `yaml:"brightness"`
		Interface        string `yaml:"interface"`
	} `yaml:"feed"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		ClientID        string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MDNS           bool     `yaml:"mdns"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := controller.DefaultConfig()
	if c.Radio.Type == "" {
		c.Radio.Type = "uart"
	}
	if c.Radio.Baud == 0 {
		c.Radio.Baud = 1000000
	}
	if c.Mesh.Address == "" {
		c.Mesh.Address = def.Address.String()
	}
	if c.Mesh.SettleDelay == 0 {
		c.Mesh.SettleDelay = def.SettleDelay
	}
	if c.Mesh.DiscoveryWindow == 0 {
		c.Mesh.DiscoveryWindow = def.DiscoveryWindow
	}
	if c.Mesh.PairWindow == 0 {
		c.Mesh.PairWindow = def.PairWindow
	}
	if c.Mesh.ControlHold == 0 {
		c.Mesh.ControlHold = def.ControlHold
	}
	if c.Mesh.AdvInterval == 0 {
		c.Mesh.AdvInterval = def.AdvInterval
	}
	if c.Mesh.PairOnStart == nil {
		on := true
		c.Mesh.PairOnStart = &on
	}

	dmx := controller.DefaultDMXMapping()
	if c.Feed.Universe == 0 {
		c.Feed.Universe = 1
	}
	if c.Feed.UniverseCount == 0 {
		c.Feed.UniverseCount = 1
	}
	if c.Feed.ChannelsPerLight == 0 {
		c.Feed.ChannelsPerLight = dmx.ChannelsPerLight
	}
	if c.Feed.StartChannel == 0 {
		c.Feed.StartChannel = dmx.StartChannel
	}
	if c.Feed.Brightness == nil {
		b := int(dmx.Brightness)
		c.Feed.Brightness = &b
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "fastcon"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "fastcon.db"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "uart":
		if c.Radio.Port == "" {
			return fmt.Errorf("radio.port is required for uart radios")
		}
	case "socket":
		if c.Radio.Device < 0 {
			return fmt.Errorf("radio.device must not be negative")
		}
	default:
		return fmt.Errorf("radio.type must be uart or socket, got %q", c.Radio.Type)
	}
	if _, err := fastcon.ParseAddress(c.Mesh.Address); err != nil {
		return fmt.Errorf("mesh.address: %w", err)
	}
	if c.Feed.Universe < 1 || c.Feed.Universe > 63999 {
		return fmt.Errorf("feed.universe must be 1-63999, got %d", c.Feed.Universe)
	}
	if c.Feed.UniverseCount < 1 || c.Feed.Universe+c.Feed.UniverseCount-1 > 63999 {
		return fmt.Errorf("feed.universe_count %d out of range", c.Feed.UniverseCount)
	}
	if c.Feed.ChannelsPerLight < 3 {
		return fmt.Errorf("feed.channels_per_light must be at least 3, got %d", c.Feed.ChannelsPerLight)
	}
	if c.Feed.StartChannel < 1 || c.Feed.StartChannel > 512*c.Feed.UniverseCount {
		return fmt.Errorf("feed.start_channel %d out of range", c.Feed.StartChannel)
	}
	if b := *c.Feed.Brightness; b < 0 || b > fastcon.MaxBrightness {
		return fmt.Errorf("feed.brightness must be 0-%d, got %d", fastcon.MaxBrightness, b)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// controllerConfig converts the mesh section. validate has checked the
// address already.
func (c *Config) controllerConfig() controller.Config {
	addr, _ := fastcon.ParseAddress(c.Mesh.Address)
	return controller.Config{
		Address:         addr,
		PersistKey:      c.Mesh.PersistKey,
		AdvInterval:     c.Mesh.AdvInterval,
		ControlHold:     c.Mesh.ControlHold,
		DiscoveryWindow: c.Mesh.DiscoveryWindow,
		PairWindow:      c.Mesh.PairWindow,
		SettleDelay:     c.Mesh.SettleDelay,
	}
}

func (c *Config) dmxMapping() controller.DMXMapping {
	return controller.DMXMapping{
		ChannelsPerLight: c.Feed.ChannelsPerLight,
		StartChannel:     c.Feed.StartChannel,
		Brightness:       uint8(*c.Feed.Brightness),
	}
}

func (c *Config) sacnConfig() sacn.Config {
	return sacn.Config{
		Universe:      uint16(c.Feed.Universe),
		UniverseCount: c.Feed.UniverseCount,
		Interface:     c.Feed.Interface,
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func newLogger(cfg *Config) *slog.Logger {
	level, _ := parseLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
