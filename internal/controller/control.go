package controller

import (
	"context"
	"errors"
	"fmt"

	"fastcon-bridge/internal/fastcon"
)

var (
	// ErrLightNotFound is returned for ids that are unknown or not yet
	// registered.
	ErrLightNotFound = errors.New("light not found")
	// ErrNotCapable is returned when a light's type does not support the
	// requested intent.
	ErrNotCapable = errors.New("light does not support this command")
)

// Lights returns every known light in discovery order.
func (c *Controller) Lights() []LightDevice {
	return c.registry.Snapshot()
}

// Light returns the light with the given id, registered or not.
func (c *Controller) Light(id string) (LightDevice, error) {
	d, ok := c.registry.Get(id)
	if !ok {
		return LightDevice{}, fmt.Errorf("light %s: %w", id, ErrLightNotFound)
	}
	return d, nil
}

// SetState switches a light on or off.
func (c *Controller) SetState(ctx context.Context, id string, on bool) error {
	return c.control(ctx, id, fastcon.CapOnOff,
		func(number uint8, _ LightState) fastcon.ControlBody {
			return fastcon.StateBody(number, on)
		},
		func(s *LightState) { s.On = on })
}

// SetBrightness sets the brightness on the 0..127 scale. Larger values are
// clamped.
func (c *Controller) SetBrightness(ctx context.Context, id string, brightness uint8) error {
	brightness = min(brightness, fastcon.MaxBrightness)
	return c.control(ctx, id, fastcon.CapBrightness,
		func(number uint8, _ LightState) fastcon.ControlBody {
			return fastcon.BrightnessBody(number, brightness)
		},
		func(s *LightState) {
			s.Brightness = brightness
			s.On = brightness > 0
		})
}

// SetRGB sets the colour at the light's current brightness.
func (c *Controller) SetRGB(ctx context.Context, id string, r, g, b uint8) error {
	return c.control(ctx, id, fastcon.CapRGB,
		func(number uint8, cur LightState) fastcon.ControlBody {
			return fastcon.RGBBody(number, cur.Brightness, r, g, b)
		},
		func(s *LightState) {
			s.RGB = [3]uint8{r, g, b}
			s.ColorMode = "rgb"
			s.On = true
		})
}

// SetColorTemperature sets the white colour temperature at the light's
// current brightness.
func (c *Controller) SetColorTemperature(ctx context.Context, id string, temp uint16) error {
	return c.control(ctx, id, fastcon.CapColorTemperature,
		func(number uint8, cur LightState) fastcon.ControlBody {
			return fastcon.ColorTemperatureBody(number, cur.Brightness, temp)
		},
		func(s *LightState) {
			s.ColorTemp = temp
			s.ColorMode = "color_temp"
			s.On = true
		})
}

// control resolves id to a registered light, broadcasts the body built from
// its number and current state, then records the applied state.
func (c *Controller) control(ctx context.Context, id string, need fastcon.Capability,
	build func(number uint8, cur LightState) fastcon.ControlBody, apply func(*LightState)) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.mu.RLock()
	e, ok := c.registry.byID[id]
	var number uint8
	var cur LightState
	var caps fastcon.Capability
	if ok && e.state == Registered {
		number, cur, caps = e.number, e.light, e.ltype.Capabilities
	}
	c.registry.mu.RUnlock()
	if !ok || number == 0 {
		return fmt.Errorf("light %s: %w", id, ErrLightNotFound)
	}
	if !caps.Has(need) {
		return fmt.Errorf("light %s: %w", id, ErrNotCapable)
	}

	body := build(number, cur)
	if err := c.send(ctx, fastcon.ControlCommand(body, c.key), c.config.ControlHold); err != nil {
		return fmt.Errorf("light %s: %w", id, err)
	}
	c.applyState(e, apply)
	return nil
}

// applyState updates the tracked state of e, persists it and emits
// EventLightState.
func (c *Controller) applyState(e *lightEntry, apply func(*LightState)) {
	c.registry.mu.Lock()
	apply(&e.light)
	state := e.light
	id := e.id()
	rec := e.record()
	c.registry.mu.Unlock()

	c.saveLight(rec)
	c.events.Emit(Event{Type: EventLightState, Data: LightStateEvent{ID: id, State: state}})
}
