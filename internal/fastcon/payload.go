package fastcon

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the number of header bytes in a payload.
	HeaderSize = 4
	// MaxBodySize is the largest body a payload can carry.
	MaxBodySize = 12
	// PayloadSize is the fixed size of an encoded payload.
	PayloadSize = HeaderSize + MaxBodySize
)

var (
	ErrBodyTooLong = errors.New("fastcon: body longer than 12 bytes")
	ErrChecksum    = errors.New("fastcon: payload checksum mismatch")
)

// Header carries the routing fields of a command.
type Header struct {
	Group    uint8 // 3 bits
	SubIndex uint8 // 4 bits
	Forward  bool
	Sequence uint8
}

// Payload is an encoded, obfuscated 16 byte command.
type Payload [PayloadSize]byte

func (h Header) byte0() uint8 {
	b := h.SubIndex&0x0F | (h.Group&0x07)<<4
	if h.Forward {
		b |= 0x80
	}
	return b
}

// EncodePayload builds the plaintext header and body, appends the checksum and
// obfuscates the result. An all-zero key replaces the body with three copies
// of the factory key.
func EncodePayload(h Header, body []byte, key MeshKey) (Payload, error) {
	var p Payload
	if len(body) > MaxBodySize {
		return p, fmt.Errorf("%w: %d", ErrBodyTooLong, len(body))
	}

	p[0] = h.byte0()
	p[1] = h.Sequence
	p[2] = key.safeKey()
	copy(p[HeaderSize:], body)

	var sum uint8
	for i, b := range p {
		if i != 3 {
			sum += b
		}
	}
	p[3] = sum

	for i := 0; i < HeaderSize; i++ {
		p[i] ^= FactoryKey[i]
	}
	if key.IsZero() {
		for i := HeaderSize; i < PayloadSize; i++ {
			p[i] = FactoryKey[i%KeySize]
		}
		return p, nil
	}
	for i := HeaderSize; i < PayloadSize; i++ {
		p[i] ^= key[i%KeySize]
	}
	return p, nil
}

// DecodePayload reverses EncodePayload for a non-zero key. The header and body
// are returned together with ErrChecksum when the checksum does not match.
func DecodePayload(p Payload, key MeshKey) (Header, [MaxBodySize]byte, error) {
	var plain Payload
	for i := range p {
		if i < HeaderSize {
			plain[i] = p[i] ^ FactoryKey[i]
		} else {
			plain[i] = p[i] ^ key[i%KeySize]
		}
	}

	h := Header{
		Group:    plain[0] >> 4 & 0x07,
		SubIndex: plain[0] & 0x0F,
		Forward:  plain[0]&0x80 != 0,
		Sequence: plain[1],
	}
	var body [MaxBodySize]byte
	copy(body[:], plain[HeaderSize:])

	var sum uint8
	for i, b := range plain {
		if i != 3 {
			sum += b
		}
	}
	if sum != plain[3] {
		return h, body, ErrChecksum
	}
	return h, body, nil
}

// DecryptBody removes the key from raw body bytes. The key is applied by
// position, so raw[i] is XORed with key[i%4].
func DecryptBody(raw []byte, key MeshKey) []byte {
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ key[i%KeySize]
	}
	return out
}
