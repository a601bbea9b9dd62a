// Package radiotest provides an in-memory radio for tests.
package radiotest

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
)

var ErrClosed = errors.New("radiotest: closed")

// ScanFunc answers the n-th scan (counting from 0). advertising is the data
// being advertised while the scan runs, nil if nothing is.
type ScanFunc func(n int, advertising []byte, active bool) []radio.ScanResult

// Fake records everything it is asked to transmit and answers scans from
// ScanFunc. The zero value is ready to use.
type Fake struct {
	ScanFunc ScanFunc

	// StartErr is returned by StartAdvertising when set.
	StartErr error

	mu          sync.Mutex
	advertised  [][]byte
	intervals   []time.Duration
	current     []byte
	scans       int
	maxInFlight int
	inFlight    int
	closed      bool
}

var _ radio.Radio = (*Fake)(nil)

func (f *Fake) StartAdvertising(data []byte, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	cp := append([]byte(nil), data...)
	f.advertised = append(f.advertised, cp)
	f.intervals = append(f.intervals, interval)
	if f.current == nil {
		f.inFlight++
		if f.inFlight > f.maxInFlight {
			f.maxInFlight = f.inFlight
		}
	}
	f.current = cp
	return nil
}

func (f *Fake) StopAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.inFlight--
	}
	f.current = nil
	return nil
}

func (f *Fake) Scan(ctx context.Context, window time.Duration, active bool) ([]radio.ScanResult, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	n := f.scans
	f.scans++
	current := f.current
	fn := f.ScanFunc
	f.mu.Unlock()

	if fn == nil || ctx.Err() != nil {
		return nil, nil
	}
	return fn(n, current, active), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Advertised returns a copy of every data block passed to StartAdvertising.
func (f *Fake) Advertised() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.advertised))
	copy(out, f.advertised)
	return out
}

// Intervals returns the advertising interval of every StartAdvertising call.
func (f *Fake) Intervals() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.intervals...)
}

// Advertising reports whether an advertisement is currently active.
func (f *Fake) Advertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil
}

// Scans returns the number of scans performed.
func (f *Fake) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// MaxConcurrent returns the largest number of advertisements that were ever
// active at the same time.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// UnpairedBeacon builds the manufacturer data of a light that still uses the
// factory key.
func UnpairedBeacon(mac [6]byte, code fastcon.TypeCode) []byte {
	b := make([]byte, fastcon.BeaconSize)
	binary.LittleEndian.PutUint16(b[0:2], fastcon.CompanyID)
	copy(b[6:12], mac[:])
	b[12], b[13] = code[0], code[1]
	copy(b[14:18], fastcon.FactoryKey[:])
	return b
}

// PairedBeacon builds the manufacturer data of a light that accepted key and
// number.
func PairedBeacon(number uint8, key fastcon.MeshKey) []byte {
	plain := make([]byte, 12)
	plain[1] = number
	b := make([]byte, fastcon.BeaconSize)
	binary.LittleEndian.PutUint16(b[0:2], fastcon.CompanyID)
	copy(b[6:], fastcon.DecryptBody(plain, key))
	return b
}
