package fastcon

import "math/bits"

const (
	crcInitial    = 0xFFFF
	crcPolynomial = 0x1021
)

// crcFold shifts eight bits through the CCITT register, two bits per step.
func crcFold(crc uint16) uint16 {
	for range 4 {
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ crcPolynomial
		} else {
			crc <<= 1
		}
		if crc&0x8000 != 0 {
			crc = crc<<1 ^ crcPolynomial
		} else {
			crc <<= 1
		}
	}
	return crc
}

// CRC16 computes the link-layer checksum of a frame. The device address is
// folded in from its last byte to its first, then every data byte is folded
// in bit-reversed.
func CRC16(addr Address, data []byte) uint16 {
	crc := uint16(crcInitial)
	for i := len(addr) - 1; i >= 0; i-- {
		crc ^= uint16(addr[i]) << 8
		crc = crcFold(crc)
	}
	for _, b := range data {
		crc ^= uint16(bits.Reverse8(b)) << 8
		crc = crcFold(crc)
	}
	return bits.Reverse16(^crc)
}
