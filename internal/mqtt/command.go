//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
)

// lightCommand is a JSON schema command from Home Assistant.
type lightCommand struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
	Color      *haColor `json:"color"`
	ColorTemp  *float64 `json:"color_temp"`
}

func parseCommand(payload []byte) (lightCommand, error) {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("invalid command JSON: %w", err)
	}
	cmd.State = strings.ToUpper(cmd.State)
	switch cmd.State {
	case "", "ON", "OFF":
	default:
		return cmd, fmt.Errorf("unknown state %q", cmd.State)
	}
	return cmd, nil
}

type intentKind int

const (
	intentOn intentKind = iota
	intentOff
	intentBrightness
	intentRGB
	intentColorTemp
)

// intent is one controller call derived from a command.
type intent struct {
	kind       intentKind
	brightness uint8
	rgb        [3]uint8
	temp       uint16
}

// planCommand turns cmd into controller calls for d. OFF wins over every
// other field; attributes the light cannot render are skipped. A bare ON
// becomes a state command.
func planCommand(cmd lightCommand, d controller.LightDevice) []intent {
	if cmd.State == "OFF" {
		return []intent{{kind: intentOff}}
	}
	var out []intent
	if cmd.Brightness != nil && d.Can(fastcon.CapBrightness) {
		b := clampFloat(*cmd.Brightness, 0, fastcon.MaxBrightness)
		if b == 0 {
			return []intent{{kind: intentOff}}
		}
		out = append(out, intent{kind: intentBrightness, brightness: uint8(b)})
	}
	if cmd.Color != nil && d.Can(fastcon.CapRGB) {
		out = append(out, intent{kind: intentRGB, rgb: [3]uint8{cmd.Color.R, cmd.Color.G, cmd.Color.B}})
	}
	if cmd.ColorTemp != nil && d.Can(fastcon.CapColorTemperature) {
		out = append(out, intent{kind: intentColorTemp, temp: uint16(clampFloat(*cmd.ColorTemp, 0, 0x3FFF))})
	}
	if len(out) == 0 && (cmd.State == "ON" || cmd.Brightness != nil) {
		out = append(out, intent{kind: intentOn})
	}
	return out
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
