// Package controller owns the mesh key, the light registry and the radio. It
// drives discovery and pairing and turns control intents into FastCon
// broadcasts, one at a time.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
	"fastcon-bridge/internal/store"
)

// Config holds controller timing and identity settings.
type Config struct {
	// Address is the 3 byte device address embedded in every frame.
	Address fastcon.Address
	// PersistKey reuses the stored mesh key across restarts. When false a
	// new key is generated on every start and stored lights are forgotten.
	PersistKey bool

	AdvInterval     time.Duration
	ControlHold     time.Duration
	DiscoveryWindow time.Duration
	PairWindow      time.Duration
	SettleDelay     time.Duration
}

// DefaultConfig returns the timings the bulbs are known to work with.
func DefaultConfig() Config {
	return Config{
		Address:         fastcon.DefaultAddress,
		AdvInterval:     50 * time.Millisecond,
		ControlHold:     250 * time.Millisecond,
		DiscoveryWindow: 5 * time.Second,
		PairWindow:      time.Second,
		SettleDelay:     time.Second,
	}
}

// Controller manages the FastCon mesh through a radio backend.
type Controller struct {
	radio    radio.Radio
	store    store.Store
	events   *EventBus
	logger   *slog.Logger
	config   Config
	encoder  *fastcon.Encoder
	registry *Registry

	key       fastcon.MeshKey
	installID string

	// mu serializes radio use: one command or scan window at a time.
	mu sync.Mutex

	dmxMu   sync.Mutex
	dmxLast map[radio.Address][3]uint8

	ctx    context.Context
	cancel context.CancelFunc
}

// New loads or creates the controller state and restores the registry.
func New(r radio.Radio, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) (*Controller, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		radio:    r,
		store:    st,
		events:   events,
		logger:   logger,
		config:   cfg,
		encoder:  fastcon.NewEncoder(cfg.Address),
		registry: newRegistry(),
		dmxLast:  make(map[radio.Address][3]uint8),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := c.loadState(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Controller) loadState() error {
	state, err := c.store.GetControllerState()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load controller state: %w", err)
	}

	if state != nil && c.config.PersistKey && state.Key != "" {
		key, err := fastcon.ParseKey(state.Key)
		if err != nil {
			return fmt.Errorf("load controller state: %w", err)
		}
		c.key = key
		c.installID = state.InstallID
		if state.DeviceAddress != "" && state.DeviceAddress != c.config.Address.String() {
			c.logger.Warn("device address changed since lights were paired",
				"stored", state.DeviceAddress, "configured", c.config.Address.String())
		}
		return c.restoreLights()
	}

	key, err := fastcon.GenerateKey()
	if err != nil {
		return err
	}
	c.key = key
	if state != nil && state.InstallID != "" {
		c.installID = state.InstallID
	} else {
		c.installID = uuid.NewString()
	}

	lights, err := c.store.ListLights()
	if err != nil {
		return fmt.Errorf("list stored lights: %w", err)
	}
	if len(lights) > 0 {
		c.logger.Warn("new mesh key generated, previously paired lights will not respond until re-paired",
			"forgotten", len(lights))
		if err := c.store.ResetLights(); err != nil {
			return fmt.Errorf("reset stored lights: %w", err)
		}
	}

	err = c.store.SaveControllerState(&store.ControllerState{
		InstallID:     c.installID,
		DeviceAddress: c.config.Address.String(),
		Key:           c.key.String(),
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("save controller state: %w", err)
	}
	return nil
}

func (c *Controller) restoreLights() error {
	lights, err := c.store.ListLights()
	if err != nil {
		return fmt.Errorf("list stored lights: %w", err)
	}
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	for _, l := range lights {
		e, err := entryFromRecord(l)
		if err != nil {
			c.logger.Warn("skipping stored light", "err", err)
			continue
		}
		c.registry.add(e)
	}
	c.logger.Info("restored lights", "count", len(c.registry.order))
	return nil
}

// Key returns the installation mesh key.
func (c *Controller) Key() fastcon.MeshKey {
	return c.key
}

// InstallID identifies this bridge installation. It survives key rotation.
func (c *Controller) InstallID() string {
	return c.installID
}

// Sequence returns the last sequence number used.
func (c *Controller) Sequence() uint8 {
	return c.encoder.Sequence()
}

// Events returns the controller event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Registry returns the light registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.config
}

// Context returns the controller's context, which is cancelled on Stop().
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Stop cancels background work and waits for the radio to become idle.
func (c *Controller) Stop() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.radio.StopAdvertising(); err != nil {
		c.logger.Warn("stop advertising", "err", err)
	}
}

// SendCommand broadcasts cmd for hold and then stops advertising.
func (c *Controller) SendCommand(ctx context.Context, cmd fastcon.Command, hold time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, cmd, hold)
}

// send must be called with mu held.
func (c *Controller) send(ctx context.Context, cmd fastcon.Command, hold time.Duration) error {
	if _, err := c.startBroadcast(cmd); err != nil {
		return err
	}
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
	return c.stopBroadcast()
}

// startBroadcast encodes cmd and leaves it advertising. The caller must hold
// mu and call stopBroadcast.
func (c *Controller) startBroadcast(cmd fastcon.Command) (fastcon.Packet, error) {
	pkt, err := c.encoder.Encode(cmd)
	if err != nil {
		return pkt, err
	}
	data, err := radio.LegacyAdvertisingData(pkt.Advertisement[:])
	if err != nil {
		return pkt, fmt.Errorf("send %s: %w", cmd.Kind, err)
	}

	c.logger.Debug("fastcon TX",
		"kind", cmd.Kind.String(),
		"seq", pkt.Sequence,
		"body", fmt.Sprintf("%X", cmd.Body),
		"payload", fmt.Sprintf("%X", pkt.Payload[:]),
		"adv", fmt.Sprintf("%X", pkt.Advertisement[:]))

	if err := c.radio.StartAdvertising(data, c.config.AdvInterval); err != nil {
		return pkt, fmt.Errorf("send %s: %w", cmd.Kind, err)
	}
	c.events.Emit(Event{Type: EventCommandSent, Data: CommandEvent{
		Kind:          cmd.Kind.String(),
		Sequence:      pkt.Sequence,
		Advertisement: fmt.Sprintf("%X", pkt.Advertisement[:]),
	}})
	return pkt, nil
}

func (c *Controller) stopBroadcast() error {
	if err := c.radio.StopAdvertising(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	return nil
}

// sleep waits for d unless ctx or the controller is cancelled first.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// saveLight persists rec. Failures are logged; the registry stays authoritative.
func (c *Controller) saveLight(rec *store.Light) {
	if err := c.store.SaveLight(rec); err != nil {
		c.logger.Error("persist light", "address", rec.Address, "err", err)
	}
}
