package fastcon

// BeaconSize is the length of the manufacturer data a light advertises,
// including the 2 byte company id.
const BeaconSize = 18

// Beacon is the manufacturer data of a light's own advertisement.
//
//	[0:2)   company id
//	[2:6)   unused
//	[6:12)  MAC fragment, also the start of the keyed region
//	[12:14) light type code
//	[14:18) key field
type Beacon struct {
	raw [BeaconSize]byte
}

// ParseBeacon accepts manufacturer data of exactly BeaconSize bytes.
func ParseBeacon(mfr []byte) (Beacon, bool) {
	var b Beacon
	if len(mfr) != BeaconSize {
		return b, false
	}
	copy(b.raw[:], mfr)
	return b, true
}

// MACFragment is the 6 byte identity echoed back when assigning a key.
func (b Beacon) MACFragment() [6]byte {
	var m [6]byte
	copy(m[:], b.raw[6:12])
	return m
}

func (b Beacon) TypeCode() TypeCode {
	return TypeCode{b.raw[12], b.raw[13]}
}

// KeyField returns the 4 bytes that equal the factory key while the light is
// unpaired.
func (b Beacon) KeyField() MeshKey {
	var k MeshKey
	copy(k[:], b.raw[14:18])
	return k
}

// Unpaired reports whether the light still advertises the factory key.
func (b Beacon) Unpaired() bool {
	return b.KeyField() == FactoryKey
}

// LightNumber decrypts the keyed region with key and returns the number the
// light was assigned.
func (b Beacon) LightNumber(key MeshKey) uint8 {
	return DecryptBody(b.raw[6:18], key)[1]
}

// Bytes returns a copy of the raw manufacturer data.
func (b Beacon) Bytes() []byte {
	out := make([]byte, BeaconSize)
	copy(out, b.raw[:])
	return out
}
