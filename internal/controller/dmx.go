package controller

import (
	"context"
	"errors"
	"fmt"

	"fastcon-bridge/internal/fastcon"
)

// DMXMapping assigns consecutive channel blocks to lights in discovery order.
type DMXMapping struct {
	// ChannelsPerLight is the block size; the first three channels of a
	// block are red, green and blue.
	ChannelsPerLight int
	// StartChannel is the 1-based channel of the first block.
	StartChannel int
	// Brightness is used for every colour command.
	Brightness uint8
}

// DefaultDMXMapping returns 4 channels per light starting at channel 1.
func DefaultDMXMapping() DMXMapping {
	return DMXMapping{ChannelsPerLight: 4, StartChannel: 1, Brightness: 100}
}

// ApplyDMX maps a frame of channel values onto the registered lights. A
// light whose red, green and blue are all zero is switched off; otherwise it
// gets a colour command. Only lights whose triple changed since the last
// frame are sent a command. It returns the number of commands sent.
func (c *Controller) ApplyDMX(ctx context.Context, channels []byte, m DMXMapping) (int, error) {
	if m.ChannelsPerLight < 3 {
		return 0, fmt.Errorf("dmx: %d channels per light, need at least 3", m.ChannelsPerLight)
	}
	if m.StartChannel < 1 {
		m.StartChannel = 1
	}

	c.dmxMu.Lock()
	defer c.dmxMu.Unlock()

	sent := 0
	var errs []error
	for _, d := range c.registry.Snapshot() {
		if d.Registration != Registered {
			continue
		}
		base := m.StartChannel - 1 + d.Order*m.ChannelsPerLight
		if base+3 > len(channels) {
			continue
		}
		rgb := [3]uint8{channels[base], channels[base+1], channels[base+2]}
		if last, ok := c.dmxLast[d.Address]; ok && last == rgb {
			continue
		}

		var err error
		if rgb == [3]uint8{} {
			err = c.dmxOff(ctx, d)
		} else {
			err = c.dmxColor(ctx, d, rgb, m.Brightness)
		}
		if err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		c.dmxLast[d.Address] = rgb
		sent++
	}
	return sent, errors.Join(errs...)
}

func (c *Controller) dmxOff(ctx context.Context, d LightDevice) error {
	return c.control(ctx, d.ID, fastcon.CapOnOff,
		func(number uint8, _ LightState) fastcon.ControlBody {
			return fastcon.StateBody(number, false)
		},
		func(s *LightState) { s.On = false })
}

func (c *Controller) dmxColor(ctx context.Context, d LightDevice, rgb [3]uint8, brightness uint8) error {
	brightness = min(brightness, fastcon.MaxBrightness)
	// Smart bulbs have no colour; any non-zero triple switches them on.
	if !d.Can(fastcon.CapRGB) {
		return c.control(ctx, d.ID, fastcon.CapOnOff,
			func(number uint8, _ LightState) fastcon.ControlBody {
				return fastcon.StateBody(number, true)
			},
			func(s *LightState) { s.On = true })
	}
	return c.control(ctx, d.ID, fastcon.CapRGB,
		func(number uint8, _ LightState) fastcon.ControlBody {
			return fastcon.RGBBody(number, brightness, rgb[0], rgb[1], rgb[2])
		},
		func(s *LightState) {
			s.On = true
			s.RGB = rgb
			s.Brightness = brightness
		})
}
