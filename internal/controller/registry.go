package controller

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
	"fastcon-bridge/internal/store"
)

// RegistrationState is the pairing progress of a light.
type RegistrationState string

const (
	Discovered RegistrationState = "discovered"
	Registered RegistrationState = "registered"
)

// LightState is the last state applied to a light.
type LightState = store.LightState

// LightDevice is a read-only view of a light in the registry.
type LightDevice struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Address      radio.Address      `json:"address"`
	Order        int                `json:"order"`
	Type         string             `json:"type"`
	TypeCode     string             `json:"type_code"`
	Registration RegistrationState  `json:"registration"`
	Number       uint8              `json:"number,omitempty"`
	Capabilities []string           `json:"capabilities"`
	RSSI         int                `json:"rssi"`
	LastSeen     time.Time          `json:"last_seen"`
	State        LightState         `json:"state"`
	Caps         fastcon.Capability `json:"-"`
}

// Can reports whether the light supports every capability in c.
func (d LightDevice) Can(c fastcon.Capability) bool {
	return d.Caps.Has(c)
}

// StableID derives the light id from its Bluetooth address.
func StableID(addr radio.Address) string {
	return "DMX_" + addr.Hex()
}

// DisplayName derives the light name from its id.
func DisplayName(id string) string {
	return "Light_" + id
}

type lightEntry struct {
	addr         radio.Address
	order        int
	ltype        fastcon.LightType
	mac          [6]byte
	state        RegistrationState
	number       uint8
	discoveredAt time.Time
	registeredAt time.Time
	lastSeen     time.Time
	rssi         int
	light        LightState
}

func (e *lightEntry) id() string {
	return StableID(e.addr)
}

func (e *lightEntry) view() LightDevice {
	id := e.id()
	return LightDevice{
		ID:           id,
		Name:         DisplayName(id),
		Address:      e.addr,
		Order:        e.order,
		Type:         e.ltype.Name,
		TypeCode:     e.ltype.Code.String(),
		Registration: e.state,
		Number:       e.number,
		Capabilities: e.ltype.Capabilities.Strings(),
		RSSI:         e.rssi,
		LastSeen:     e.lastSeen,
		State:        e.light,
		Caps:         e.ltype.Capabilities,
	}
}

func (e *lightEntry) record() *store.Light {
	return &store.Light{
		Address:      e.addr.String(),
		Order:        e.order,
		TypeCode:     e.ltype.Code.String(),
		MACFragment:  hex.EncodeToString(e.mac[:]),
		Registered:   e.state == Registered,
		Number:       e.number,
		DiscoveredAt: e.discoveredAt,
		RegisteredAt: e.registeredAt,
		LastSeen:     e.lastSeen,
		RSSI:         e.rssi,
		State:        e.light,
	}
}

func entryFromRecord(l *store.Light) (*lightEntry, error) {
	addr, err := radio.ParseAddress(l.Address)
	if err != nil {
		return nil, err
	}
	code, err := hex.DecodeString(l.TypeCode)
	if err != nil || len(code) != 2 {
		return nil, fmt.Errorf("light %s: bad type code %q", l.Address, l.TypeCode)
	}
	lt, ok := fastcon.LookupLightType(fastcon.TypeCode{code[0], code[1]})
	if !ok {
		return nil, fmt.Errorf("light %s: unknown type code %s", l.Address, strings.ToUpper(l.TypeCode))
	}
	e := &lightEntry{
		addr:         addr,
		order:        l.Order,
		ltype:        lt,
		state:        Discovered,
		discoveredAt: l.DiscoveredAt,
		registeredAt: l.RegisteredAt,
		lastSeen:     l.LastSeen,
		rssi:         l.RSSI,
		light:        l.State,
	}
	if mac, err := hex.DecodeString(l.MACFragment); err == nil && len(mac) == 6 {
		copy(e.mac[:], mac)
	}
	if l.Registered && l.Number != 0 {
		e.state = Registered
		e.number = l.Number
	}
	return e, nil
}

// Registry maps Bluetooth addresses to lights. Entries are never removed.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[radio.Address]*lightEntry
	byID   map[string]*lightEntry
	order  []*lightEntry
}

func newRegistry() *Registry {
	return &Registry{
		byAddr: make(map[radio.Address]*lightEntry),
		byID:   make(map[string]*lightEntry),
	}
}

// add inserts e unless its address is already known. The caller must hold mu.
func (r *Registry) add(e *lightEntry) bool {
	if _, ok := r.byAddr[e.addr]; ok {
		return false
	}
	r.byAddr[e.addr] = e
	r.byID[e.id()] = e
	r.order = append(r.order, e)
	sort.SliceStable(r.order, func(i, j int) bool { return r.order[i].order < r.order[j].order })
	return true
}

// Len returns the number of known lights.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Count returns the number of lights in state s.
func (r *Registry) Count(s RegistrationState) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.order {
		if e.state == s {
			n++
		}
	}
	return n
}

// Snapshot returns every light in discovery order.
func (r *Registry) Snapshot() []LightDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LightDevice, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, e.view())
	}
	return out
}

// Get returns the light with the given id.
func (r *Registry) Get(id string) (LightDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return LightDevice{}, false
	}
	return e.view(), true
}

// ByAddress returns the light with the given Bluetooth address.
func (r *Registry) ByAddress(addr radio.Address) (LightDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byAddr[addr]
	if !ok {
		return LightDevice{}, false
	}
	return e.view(), true
}
