package fastcon

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of a mesh key in bytes.
const KeySize = 4

// MeshKey is the 4 byte key shared by a controller and every light it has
// paired.
type MeshKey [KeySize]byte

// FactoryKey is the key unpaired lights listen with. Headers are always
// obfuscated with it.
var FactoryKey = MeshKey{0x5E, 0x36, 0x7B, 0xC4}

// IsZero reports whether every key byte is zero.
func (k MeshKey) IsZero() bool {
	return k == MeshKey{}
}

// String returns the key as 8 lowercase hex digits.
func (k MeshKey) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k MeshKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *MeshKey) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// safeKey is the header byte that identifies the key in use.
func (k MeshKey) safeKey() uint8 {
	if k.IsZero() {
		return 0xFF
	}
	return k[3]
}

// ParseKey parses "11223344" or "11:22:33:44".
func ParseKey(s string) (MeshKey, error) {
	var k MeshKey
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil {
		return k, fmt.Errorf("parse mesh key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("mesh key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a random key that is neither all-zero nor the factory
// key.
func GenerateKey() (MeshKey, error) {
	for {
		var k MeshKey
		if _, err := rand.Read(k[:]); err != nil {
			return k, fmt.Errorf("generate mesh key: %w", err)
		}
		if !k.IsZero() && k != FactoryKey {
			return k, nil
		}
	}
}
