package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fastcon-bridge/internal/fastcon"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("radio:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.Type != "uart" || cfg.Radio.Baud != 1000000 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Mesh.Address != "C1C2C3" || !*cfg.Mesh.PairOnStart || cfg.Mesh.PersistKey {
		t.Errorf("mesh = %+v", cfg.Mesh)
	}
	if cfg.Mesh.DiscoveryWindow != 5*time.Second || cfg.Mesh.ControlHold != 250*time.Millisecond ||
		cfg.Mesh.AdvInterval != 50*time.Millisecond || cfg.Mesh.PairWindow != time.Second {
		t.Errorf("mesh timings = %+v", cfg.Mesh)
	}
	if cfg.Feed.Universe != 1 || cfg.Feed.UniverseCount != 1 || cfg.Feed.ChannelsPerLight != 4 ||
		cfg.Feed.StartChannel != 1 || *cfg.Feed.Brightness != 100 {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	if cfg.MQTT.TopicPrefix != "fastcon" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "fastcon.db" || cfg.ScriptsDir != "scripts" {
		t.Errorf("web/store/scripts = %q %q %q", cfg.Web.Listen, cfg.Store.Path, cfg.ScriptsDir)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestParseConfigFull(t *testing.T) {
	data := `
radio: {type: socket, device: 1}
mesh:
  persist_key: true
  address: "A1:B2:C3"
  discovery_window: 3s
  control_hold: 100ms
  pair_on_start: false
feed: {enabled: true, universe: 7, universe_count: 2, channels_per_light: 3, start_channel: 10, brightness: 0}
mqtt: {enabled: true, broker: "tcp://broker:1883", topic_prefix: lights}
web: {listen: ":9000", api_key: k, allowed_origins: ["http://ha.local"], mdns: true}
log: {level: debug, format: json}
`
	cfg, err := parseConfig([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	cc := cfg.controllerConfig()
	if cc.Address != (fastcon.Address{0xA1, 0xB2, 0xC3}) || !cc.PersistKey {
		t.Errorf("controller config = %+v", cc)
	}
	if cc.DiscoveryWindow != 3*time.Second || cc.ControlHold != 100*time.Millisecond || cc.SettleDelay != time.Second {
		t.Errorf("controller timings = %+v", cc)
	}
	if *cfg.Mesh.PairOnStart {
		t.Error("pair_on_start = true, want false")
	}

	m := cfg.dmxMapping()
	if m.ChannelsPerLight != 3 || m.StartChannel != 10 || m.Brightness != 0 {
		t.Errorf("dmx mapping = %+v", m)
	}
	sc := cfg.sacnConfig()
	if sc.Universe != 7 || sc.UniverseCount != 2 {
		t.Errorf("sacn config = %+v", sc)
	}
	if !cfg.Web.MDNS || cfg.Web.AllowedOrigins[0] != "http://ha.local" {
		t.Errorf("web = %+v", cfg.Web)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"uart without port", "radio: {type: uart}", "radio.port"},
		{"unknown radio", "radio: {type: bluez}", "radio.type"},
		{"bad address", "radio: {type: socket}\nmesh: {address: C1C2}", "mesh.address"},
		{"universe range", "radio: {type: socket}\nfeed: {universe: 64000}", "feed.universe"},
		{"too few channels", "radio: {type: socket}\nfeed: {channels_per_light: 2}", "channels_per_light"},
		{"brightness", "radio: {type: socket}\nfeed: {brightness: 128}", "feed.brightness"},
		{"mqtt broker", "radio: {type: socket}\nmqtt: {enabled: true}", "mqtt.broker"},
		{"log level", "radio: {type: socket}\nlog: {level: loud}", "log.level"},
		{"bad duration", "radio: {type: socket}\nmesh: {control_hold: soon}", "parse config"},
		{"bad yaml", "radio: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("radio: {type: socket}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
