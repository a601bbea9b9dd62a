package fastcon

import (
	"encoding/hex"
	"strings"
)

// Capability is a bit set of features a light supports.
type Capability uint8

const (
	CapOnOff Capability = 1 << iota
	CapBrightness
	CapRGB
	CapColorTemperature
)

// Has reports whether all bits of c2 are set in c.
func (c Capability) Has(c2 Capability) bool {
	return c&c2 == c2
}

// Strings returns the capability names in a stable order.
func (c Capability) Strings() []string {
	var out []string
	if c.Has(CapOnOff) {
		out = append(out, "onoff")
	}
	if c.Has(CapBrightness) {
		out = append(out, "brightness")
	}
	if c.Has(CapRGB) {
		out = append(out, "rgb")
	}
	if c.Has(CapColorTemperature) {
		out = append(out, "color_temp")
	}
	return out
}

// TypeCode is the 2 byte model code advertised by a light.
type TypeCode [2]byte

func (t TypeCode) String() string {
	return strings.ToUpper(hex.EncodeToString(t[:]))
}

// LightType describes a known light model.
type LightType struct {
	Name         string
	Code         TypeCode
	Capabilities Capability
}

// Known light models.
var (
	LightSmart = LightType{Name: "smart", Code: TypeCode{0x39, 0xAE}, Capabilities: CapOnOff}
	LightRGB   = LightType{Name: "rgb", Code: TypeCode{0xA0, 0xA8}, Capabilities: CapOnOff | CapBrightness | CapRGB}
	LightRGBW  = LightType{Name: "rgbw", Code: TypeCode{0xA1, 0xA8}, Capabilities: CapOnOff | CapBrightness | CapRGB | CapColorTemperature}
)

// LightTypes is the catalog used to classify scan results.
var LightTypes = []LightType{LightSmart, LightRGBW, LightRGB}

// LookupLightType returns the catalog entry for code.
func LookupLightType(code TypeCode) (LightType, bool) {
	for _, lt := range LightTypes {
		if lt.Code == code {
			return lt, true
		}
	}
	return LightType{}, false
}
