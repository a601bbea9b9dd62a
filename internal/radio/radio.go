// Package radio defines the Bluetooth LE broadcaster/observer interface the
// bridge drives, independent of the adapter behind it.
package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Address is a 6 byte Bluetooth device address in display order.
type Address [6]byte

// String returns "aa:bb:cc:dd:ee:ff".
func (a Address) String() string {
	var sb strings.Builder
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{b}))
	}
	return sb.String()
}

// Hex returns the address as 12 lowercase hex digits without separators.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF", "aa-bb-..." or "aabbccddeeff".
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse bluetooth address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("bluetooth address must be 6 bytes, got %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ScanResult is one advertisement observed during a scan.
type ScanResult struct {
	Address          Address
	Name             string
	ManufacturerData []byte // includes the 2 byte company id
	RSSI             int
}

// Broadcaster transmits legacy advertising data.
type Broadcaster interface {
	// StartAdvertising replaces any current advertisement with data, a
	// sequence of AD structures of at most 31 bytes.
	StartAdvertising(data []byte, interval time.Duration) error
	StopAdvertising() error
}

// Scanner observes advertisements.
type Scanner interface {
	// Scan listens for window and returns the results in arrival order.
	// Cancelling ctx ends the scan early and returns what was seen.
	Scan(ctx context.Context, window time.Duration, active bool) ([]ScanResult, error)
}

// Radio is a Bluetooth LE adapter able to advertise and scan at the same time.
type Radio interface {
	Broadcaster
	Scanner
	Close() error
}
