//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/fastcon"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/DMX_aabbccddeeff/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic,omitempty"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Schema              string   `json:"schema,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	PayloadPress        string   `json:"payload_press,omitempty"`
	Icon                string   `json:"icon,omitempty"`
	Device              haDevice `json:"device"`
}

// Mired range offered to Home Assistant for color temperature lights.
const (
	minMireds = 153
	maxMireds = 500
)

// bridgeIdentifier returns the HA device identifier of the bridge itself.
func bridgeIdentifier(installID string) string {
	return "fastcon_bridge_" + installID
}

func bridgeDevice(installID string) haDevice {
	return haDevice{
		Identifiers:  []string{bridgeIdentifier(installID)},
		Manufacturer: "FastCon",
		Model:        "BLE mesh bridge",
		Name:         "FastCon Bridge",
	}
}

// colorModes maps light capabilities to HA color modes.
func colorModes(d controller.LightDevice) []string {
	var modes []string
	if d.Can(fastcon.CapRGB) {
		modes = append(modes, "rgb")
	}
	if d.Can(fastcon.CapColorTemperature) {
		modes = append(modes, "color_temp")
	}
	if len(modes) == 0 && d.Can(fastcon.CapBrightness) {
		modes = append(modes, "brightness")
	}
	if len(modes) == 0 {
		modes = append(modes, "onoff")
	}
	return modes
}

// buildLightDiscovery generates the HA light entity for a registered light.
func buildLightDiscovery(d controller.LightDevice, installID, prefix, discoveryPrefix string) discoveryMsg {
	topic := fmt.Sprintf("%s/light/%s/light/config", discoveryPrefix, d.ID)
	payload := haDiscovery{
		Name:                d.Name,
		UniqueID:            d.ID + "_light",
		StateTopic:          prefix + "/" + d.ID,
		CommandTopic:        prefix + "/" + d.ID + "/set",
		AvailabilityTopic:   prefix + "/bridge/state",
		Schema:              "json",
		SupportedColorModes: colorModes(d),
		Device: haDevice{
			Identifiers:  []string{d.ID},
			Manufacturer: "FastCon",
			Model:        d.Type + " (" + d.TypeCode + ")",
			Name:         d.Name,
			ViaDevice:    bridgeIdentifier(installID),
		},
	}
	if d.Can(fastcon.CapBrightness) {
		payload.Brightness = true
		payload.BrightnessScale = fastcon.MaxBrightness
	}
	if d.Can(fastcon.CapColorTemperature) {
		payload.MinMireds = minMireds
		payload.MaxMireds = maxMireds
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRescanDiscovery generates the "Rescan for Lights" button.
func buildRescanDiscovery(installID, prefix, discoveryPrefix string) discoveryMsg {
	nodeID := bridgeIdentifier(installID)
	topic := fmt.Sprintf("%s/button/%s/rescan/config", discoveryPrefix, nodeID)
	payload := haDiscovery{
		Name:              "Rescan for Lights",
		UniqueID:          nodeID + "_rescan",
		CommandTopic:      prefix + "/bridge/rescan",
		AvailabilityTopic: prefix + "/bridge/state",
		PayloadPress:      "PRESS",
		Icon:              "mdi:magnify",
		Device:            bridgeDevice(installID),
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// haColor is the color object of the JSON light schema.
type haColor struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// haState is the JSON schema state message of a light.
type haState struct {
	State      string   `json:"state"`
	Brightness *uint8   `json:"brightness,omitempty"`
	ColorMode  string   `json:"color_mode,omitempty"`
	Color      *haColor `json:"color,omitempty"`
	ColorTemp  *uint16  `json:"color_temp,omitempty"`
	RSSI       int      `json:"rssi,omitempty"`
	LastSeen   string   `json:"last_seen,omitempty"`
}

// buildState renders the state of d, limited to what the light supports.
func buildState(d controller.LightDevice) haState {
	s := haState{State: "OFF", RSSI: d.RSSI}
	if d.State.On {
		s.State = "ON"
	}
	if !d.LastSeen.IsZero() {
		s.LastSeen = d.LastSeen.UTC().Format("2006-01-02T15:04:05Z")
	}
	if d.Can(fastcon.CapBrightness) {
		b := d.State.Brightness
		s.Brightness = &b
	}
	if d.Can(fastcon.CapRGB) {
		s.Color = &haColor{R: d.State.RGB[0], G: d.State.RGB[1], B: d.State.RGB[2]}
		s.ColorMode = "rgb"
	}
	if d.Can(fastcon.CapColorTemperature) {
		if d.State.ColorTemp != 0 {
			ct := d.State.ColorTemp
			s.ColorTemp = &ct
		}
		if d.State.ColorMode == "color_temp" {
			s.ColorMode = "color_temp"
		}
	}
	if s.ColorMode == "" {
		s.ColorMode = colorModes(d)[0]
	}
	return s
}
