package controller

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
	"fastcon-bridge/internal/radio/radiotest"
	"fastcon-bridge/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store for controller tests.
type memStore struct {
	mu     sync.Mutex
	lights map[string]*store.Light
	state  *store.ControllerState
}

func newMemStore() *memStore {
	return &memStore{lights: make(map[string]*store.Light)}
}

func (m *memStore) SaveLight(l *store.Light) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.lights[l.Address] = &cp
	return nil
}

func (m *memStore) GetLight(addr string) (*store.Light, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lights[addr]
	if !ok {
		return nil, fmt.Errorf("light %s: %w", addr, store.ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) DeleteLight(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lights, addr)
	return nil
}

func (m *memStore) ListLights() ([]*store.Light, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Light, 0, len(m.lights))
	for _, l := range m.lights {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *memStore) UpdateLight(addr string, fn func(*store.Light) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lights[addr]
	if !ok {
		return fmt.Errorf("light %s: %w", addr, store.ErrNotFound)
	}
	cp := *l
	if err := fn(&cp); err != nil {
		return err
	}
	m.lights[addr] = &cp
	return nil
}

func (m *memStore) ResetLights() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lights = make(map[string]*store.Light)
	return nil
}

func (m *memStore) SaveControllerState(s *store.ControllerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}

func (m *memStore) GetControllerState() (*store.ControllerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, fmt.Errorf("controller state: %w", store.ErrNotFound)
	}
	cp := *m.state
	return &cp, nil
}

func (m *memStore) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ControlHold = time.Millisecond
	cfg.DiscoveryWindow = time.Millisecond
	cfg.PairWindow = time.Millisecond
	cfg.SettleDelay = 0
	return cfg
}

func newTestController(t *testing.T, r radio.Radio, st store.Store) *Controller {
	t.Helper()
	c, err := New(r, st, NewEventBus(newTestLogger()), testConfig(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

// decodeAdvertising recovers the header and body from advertising data as
// handed to the radio.
func decodeAdvertising(t *testing.T, data []byte, key fastcon.MeshKey) (fastcon.Header, [fastcon.MaxBodySize]byte, error) {
	t.Helper()
	mfr, ok := radio.ManufacturerData(data)
	if !ok || len(mfr) != 2+fastcon.FrameSize {
		t.Fatalf("advertising data % X carries no frame", data)
	}
	var frame [fastcon.FrameSize]byte
	copy(frame[:], mfr[2:])
	p, ok := fastcon.OpenFrame(fastcon.DefaultAddress, frame)
	if !ok {
		t.Fatalf("frame % X failed CRC", frame)
	}
	return fastcon.DecodePayload(p, key)
}

// bulb is a simulated light.
type bulb struct {
	addr   radio.Address
	mac    [6]byte
	code   fastcon.TypeCode
	deaf   bool // never accepts a key
	paired bool
	number uint8
	key    fastcon.MeshKey
}

func (b *bulb) beacon() radio.ScanResult {
	res := radio.ScanResult{Address: b.addr, RSSI: -60}
	if b.paired {
		res.ManufacturerData = radiotest.PairedBeacon(b.number, b.key)
	} else {
		res.ManufacturerData = radiotest.UnpairedBeacon(b.mac, b.code)
	}
	return res
}

// mesh answers wake commands with every bulb's beacon and key assignments
// with the addressed bulb's new beacon.
type mesh struct {
	t     *testing.T
	mu    sync.Mutex
	bulbs []*bulb
}

func newMesh(t *testing.T, bulbs ...*bulb) *mesh {
	return &mesh{t: t, bulbs: bulbs}
}

func (m *mesh) scan(_ int, advertising []byte, _ bool) []radio.ScanResult {
	if advertising == nil {
		return nil
	}
	h, body, err := decodeAdvertising(m.t, advertising, fastcon.FactoryKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch h.Group {
	case fastcon.GroupWake:
		var out []radio.ScanResult
		for _, b := range m.bulbs {
			out = append(out, b.beacon())
		}
		return out
	case fastcon.GroupAssignKey:
		if errors.Is(err, fastcon.ErrChecksum) {
			return nil
		}
		var mac [6]byte
		copy(mac[:], body[:6])
		for _, b := range m.bulbs {
			if b.mac != mac || b.deaf {
				continue
			}
			b.paired = true
			b.number = body[6]
			copy(b.key[:], body[8:12])
			return []radio.ScanResult{b.beacon()}
		}
	}
	return nil
}

func (m *mesh) radio() *radiotest.Fake {
	return &radiotest.Fake{ScanFunc: m.scan}
}

func addr(last byte) radio.Address {
	return radio.Address{0xAA, 0xBB, 0xCC, 0x00, 0x00, last}
}

func mac(last byte) [6]byte {
	return [6]byte{0x10, 0x20, 0x30, 0x40, 0x50, last}
}
