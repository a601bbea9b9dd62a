package fastcon

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
)

const (
	whiteningSeed = 0x25
	frameLeadIn   = 15
	markerOffset  = frameLeadIn
	addrOffset    = markerOffset + len(frameMarker)
	payloadOffset = addrOffset + len(Address{})
	crcOffset     = payloadOffset + PayloadSize

	// RawFrameSize is the frame length before the lead-in is dropped.
	RawFrameSize = crcOffset + 2
	// FrameSize is the length of the whitened frame that goes on air.
	FrameSize = RawFrameSize - frameLeadIn
)

var frameMarker = [3]byte{0x71, 0x0F, 0x55}

// Address is the 3 byte device address embedded in every frame.
type Address [3]byte

// DefaultAddress is the address used by the stock BRMesh app.
var DefaultAddress = Address{0xC1, 0xC2, 0xC3}

func (a Address) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// ParseAddress parses "C1C2C3" or "C1:C2:C3".
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil {
		return a, fmt.Errorf("parse device address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("device address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AssembleFrame lays out the unwhitened frame: a zero lead-in, the marker
// and reversed address (both bit-reversed), the payload and the CRC16 of the
// payload, little-endian.
func AssembleFrame(addr Address, p Payload) [RawFrameSize]byte {
	var f [RawFrameSize]byte
	copy(f[markerOffset:], frameMarker[:])
	for i := range addr {
		f[addrOffset+i] = addr[len(addr)-1-i]
	}
	for i := markerOffset; i < payloadOffset; i++ {
		f[i] = bits.Reverse8(f[i])
	}
	copy(f[payloadOffset:], p[:])

	crc := CRC16(addr, p[:])
	f[crcOffset] = byte(crc)
	f[crcOffset+1] = byte(crc >> 8)
	return f
}

// BuildFrame assembles, whitens and trims a frame ready to be advertised.
func BuildFrame(addr Address, p Payload) [FrameSize]byte {
	raw := AssembleFrame(addr, p)
	white := Whiten(whiteningSeed, raw[:])
	var f [FrameSize]byte
	copy(f[:], white[frameLeadIn:])
	return f
}

// OpenFrame reverses BuildFrame. It returns the payload and whether the
// marker, address and CRC all match.
func OpenFrame(addr Address, f [FrameSize]byte) (Payload, bool) {
	var raw [RawFrameSize]byte
	copy(raw[frameLeadIn:], f[:])
	// The keystream is positional, so the lead-in only has to be present.
	plain := Whiten(whiteningSeed, raw[:])

	var p Payload
	copy(p[:], plain[payloadOffset:crcOffset])
	want := AssembleFrame(addr, p)
	for i := markerOffset; i < RawFrameSize; i++ {
		if want[i] != plain[i] {
			return p, false
		}
	}
	return p, true
}
