package fastcon

// whitener is the 7 bit BLE data whitening LFSR (x^7 + x^4 + 1), kept as one
// bit per element. ctx[0] is the most recently shifted-in bit, ctx[6] is the
// output tap.
type whitener struct {
	ctx [7]uint8
}

func newWhitener(seed uint8) *whitener {
	w := &whitener{}
	w.ctx[0] = 1
	for i := 1; i < 7; i++ {
		w.ctx[i] = (seed >> (6 - i)) & 1
	}
	return w
}

// next returns the keystream byte for the current state and advances the LFSR
// by eight clocks. Bit 0 of the result is the first bit on air.
func (w *whitener) next() uint8 {
	c := &w.ctx
	c0, c1, c2, c3, c4, c5, c6 := c[0], c[1], c[2], c[3], c[4], c[5], c[6]

	c52 := c5 ^ c2
	c41 := c4 ^ c1
	c63 := c6 ^ c3
	c630 := c63 ^ c0

	out := (c52^c6)<<7 | c630<<6 | c41<<5 | c52<<4 | c63<<3 | c4<<2 | c5<<1 | c6

	c[0] = c52 ^ c6
	c[1] = c630
	c[2] = c41
	c[3] = c52
	c[4] = c52 ^ c3
	c[5] = c630 ^ c4
	c[6] = c41 ^ c5
	return out
}

// Whiten XORs data with the whitening keystream derived from seed and returns
// a new slice. Whitening with the same seed twice restores the input.
func Whiten(seed uint8, data []byte) []byte {
	w := newWhitener(seed)
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ w.next()
	}
	return out
}
