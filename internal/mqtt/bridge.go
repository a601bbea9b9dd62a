//go:build !no_mqtt

// Package mqtt exposes registered lights to Home Assistant over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"fastcon-bridge/internal/controller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	// ClientID defaults to "fastcon-bridge-" plus the install id prefix.
	ClientID string
}

// Bridge connects the controller to MQTT with HA autodiscovery.
type Bridge struct {
	client          pahomqtt.Client
	ctrl            *controller.Controller
	prefix          string
	discoveryPrefix string
	installID       string
	logger          *slog.Logger
	unsub           func()

	mu         sync.Mutex
	subscribed map[string]bool

	rescanning atomic.Bool
	wg         sync.WaitGroup
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *controller.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		ctrl:            ctrl,
		prefix:          cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		installID:       ctrl.InstallID(),
		logger:          logger.With("component", "mqtt"),
		subscribed:      make(map[string]bool),
	}
	if b.discoveryPrefix == "" {
		b.discoveryPrefix = "homeassistant"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fastcon-bridge-" + shortID(b.installID)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.mu.Lock()
			clear(b.subscribed)
			b.mu.Unlock()
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeBridgeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// ConnectRetry keeps trying; discovery is published from OnConnect.
		b.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", cfg.Broker)
		return b, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// handleEvent runs on the controller's emitting goroutine; it only publishes.
func (b *Bridge) handleEvent(event controller.Event) {
	switch event.Type {
	case controller.EventLightRegistered:
		d, ok := event.Data.(controller.LightDevice)
		if !ok {
			return
		}
		b.publishLightDiscovery(d)
		b.publishState(d)
	case controller.EventLightState:
		data, ok := event.Data.(controller.LightStateEvent)
		if !ok {
			return
		}
		d, err := b.ctrl.Light(data.ID)
		if err != nil {
			return
		}
		b.publishState(d)
	case controller.EventBootstrap:
		data, ok := event.Data.(controller.BootstrapEvent)
		if !ok || data.Result == nil {
			return
		}
		b.publish(b.prefix+"/bridge/bootstrap", mustJSON(data.Result), false)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	msg := buildRescanDiscovery(b.installID, b.prefix, b.discoveryPrefix)
	b.publish(msg.Topic, msg.Payload, true)

	registered := 0
	for _, d := range b.ctrl.Lights() {
		if d.Registration != controller.Registered {
			continue
		}
		b.publishLightDiscovery(d)
		b.publishState(d)
		registered++
	}
	b.logger.Info("published HA discovery", "lights", registered)
}

func (b *Bridge) publishLightDiscovery(d controller.LightDevice) {
	msg := buildLightDiscovery(d, b.installID, b.prefix, b.discoveryPrefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.subscribeLightCommands(d.ID)
	b.logger.Debug("published light discovery", "id", d.ID, "type", d.Type)
}

func (b *Bridge) publishState(d controller.LightDevice) {
	b.publish(b.prefix+"/"+d.ID, mustJSON(buildState(d)), true)
}

func (b *Bridge) subscribeBridgeCommands() {
	b.client.Subscribe(b.prefix+"/bridge/rescan", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.rescan()
	})
}

func (b *Bridge) subscribeLightCommands(id string) {
	b.mu.Lock()
	if b.subscribed[id] {
		b.mu.Unlock()
		return
	}
	b.subscribed[id] = true
	b.mu.Unlock()

	topic := b.prefix + "/" + id + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(id, msg.Payload())
	})
}

// rescan runs a bootstrap in the background; presses during a running scan
// are ignored.
func (b *Bridge) rescan() {
	if !b.rescanning.CompareAndSwap(false, true) {
		b.logger.Info("rescan already running")
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.rescanning.Store(false)
		b.logger.Info("rescan requested")
		if _, err := b.ctrl.DiscoverAndPairAll(b.ctrl.Context()); err != nil {
			b.logger.Warn("rescan failed", "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	d, err := b.ctrl.Light(id)
	if err != nil {
		b.logger.Warn("command for unknown light", "id", id)
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "id", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctrl.Context(), 10*time.Second)
	defer cancel()

	for _, in := range planCommand(cmd, d) {
		var err error
		switch in.kind {
		case intentOn:
			err = b.ctrl.SetState(ctx, id, true)
		case intentOff:
			err = b.ctrl.SetState(ctx, id, false)
		case intentBrightness:
			err = b.ctrl.SetBrightness(ctx, id, in.brightness)
		case intentRGB:
			err = b.ctrl.SetRGB(ctx, id, in.rgb[0], in.rgb[1], in.rgb[2])
		case intentColorTemp:
			err = b.ctrl.SetColorTemperature(ctx, id, in.temp)
		}
		if err != nil {
			b.logger.Warn("light command failed", "id", id, "err", err)
			return
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
