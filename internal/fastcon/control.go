package fastcon

// ControlBody is the 8 byte body of a light control command.
type ControlBody [8]byte

const (
	opState = 0x22
	opColor = 0x72

	// MaxBrightness is the top of the bulbs' brightness scale.
	MaxBrightness = 127
)

// StateBody switches light number on or off.
func StateBody(number uint8, on bool) ControlBody {
	b := ControlBody{opState, number}
	if on {
		b[2] = 0x80
	}
	return b
}

// BrightnessBody sets the brightness of light number; 0 to 127.
func BrightnessBody(number, brightness uint8) ControlBody {
	return ControlBody{opState, number, brightness & 0x7F}
}

// RGBBody sets the colour of light number at the given brightness. The bulbs
// expect the channels as blue, red, green.
func RGBBody(number, brightness, r, g, b uint8) ControlBody {
	return ControlBody{opColor, number, brightness & 0x7F, b, r, g}
}

// ColorTemperatureBody sets the white colour temperature of light number.
func ColorTemperatureBody(number, brightness uint8, temp uint16) ControlBody {
	return ControlBody{
		opColor, number, brightness & 0x7F, 0, 0, 0,
		byte(temp) & 0x7F,
		byte(temp>>8) & 0x7F,
	}
}
