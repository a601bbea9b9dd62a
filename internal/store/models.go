package store

import "time"

// Light is a bulb the bridge has seen advertise.
type Light struct {
	Address      string     `json:"address"`
	Order        int        `json:"order"`
	TypeCode     string     `json:"type_code"`
	MACFragment  string     `json:"mac_fragment"`
	Registered   bool       `json:"registered"`
	Number       uint8      `json:"number,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen"`
	RSSI         int        `json:"rssi,omitempty"`
	State        LightState `json:"state"`
}

// LightState is the last state applied to a light.
type LightState struct {
	On         bool     `json:"on"`
	Brightness uint8    `json:"brightness"`
	RGB        [3]uint8 `json:"rgb"`
	ColorTemp  uint16   `json:"color_temp,omitempty"`
	// ColorMode is "rgb" or "color_temp", whichever was set last.
	ColorMode string `json:"color_mode,omitempty"`
}

// ControllerState holds the bridge identity and mesh key.
// Key is hidden from API/JSON serialization via json:"-".
type ControllerState struct {
	InstallID     string    `json:"install_id"`
	DeviceAddress string    `json:"device_address"`
	Key           string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// controllerStateStorage is the internal struct used for DB serialization,
// preserving the mesh key on disk.
type controllerStateStorage struct {
	InstallID     string    `json:"install_id"`
	DeviceAddress string    `json:"device_address"`
	Key           string    `json:"key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
