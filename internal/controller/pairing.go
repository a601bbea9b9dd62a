package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fastcon-bridge/internal/fastcon"
	"fastcon-bridge/internal/radio"
)

// BootstrapResult summarises one DiscoverAndPairAll run.
type BootstrapResult struct {
	Discovered int      `json:"discovered"`
	Paired     int      `json:"paired"`
	Registered int      `json:"registered"`
	Unpaired   []string `json:"unpaired,omitempty"`
}

// Classify records res as a new light if it is an unpaired bulb of a known
// type. Already known addresses only refresh their last-seen time. Reports
// whether a light was added.
func (c *Controller) Classify(res radio.ScanResult) bool {
	b, ok := fastcon.ParseBeacon(res.ManufacturerData)
	if !ok {
		return false
	}

	c.registry.mu.Lock()
	if e, known := c.registry.byAddr[res.Address]; known {
		e.lastSeen = time.Now()
		e.rssi = res.RSSI
		c.registry.mu.Unlock()
		return false
	}
	lt, ok := fastcon.LookupLightType(b.TypeCode())
	if !ok || !b.Unpaired() {
		c.registry.mu.Unlock()
		return false
	}
	now := time.Now()
	e := &lightEntry{
		addr:         res.Address,
		order:        c.nextOrderLocked(),
		ltype:        lt,
		mac:          b.MACFragment(),
		state:        Discovered,
		discoveredAt: now,
		lastSeen:     now,
		rssi:         res.RSSI,
		light:        LightState{Brightness: fastcon.MaxBrightness},
	}
	c.registry.add(e)
	rec, view := e.record(), e.view()
	c.registry.mu.Unlock()

	c.saveLight(rec)
	c.logger.Info("light discovered", "address", res.Address.String(), "type", lt.Name, "rssi", res.RSSI)
	c.events.Emit(Event{Type: EventLightDiscovered, Data: view})
	return true
}

// nextOrderLocked returns the discovery order for a new entry. The caller
// must hold registry.mu.
func (c *Controller) nextOrderLocked() int {
	next := 0
	for _, e := range c.registry.order {
		if e.order >= next {
			next = e.order + 1
		}
	}
	return next
}

// Discover broadcasts the wake command, scans and classifies the results.
// It returns the number of new lights.
func (c *Controller) Discover(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discover(ctx)
}

func (c *Controller) discover(ctx context.Context) (int, error) {
	results, err := c.broadcastAndScan(ctx, fastcon.WakeCommand(), c.config.DiscoveryWindow)
	if err != nil {
		return 0, fmt.Errorf("discover: %w", err)
	}
	added := 0
	for _, res := range results {
		if c.Classify(res) {
			added++
		}
	}
	c.logger.Info("discovery complete", "results", len(results), "new", added, "known", c.registry.Len())
	return added, nil
}

// broadcastAndScan keeps cmd advertising for the whole scan window. The
// caller must hold mu.
func (c *Controller) broadcastAndScan(ctx context.Context, cmd fastcon.Command, window time.Duration) ([]radio.ScanResult, error) {
	if _, err := c.startBroadcast(cmd); err != nil {
		return nil, err
	}
	results, scanErr := c.radio.Scan(ctx, window, true)
	stopErr := c.stopBroadcast()
	if scanErr != nil {
		return results, scanErr
	}
	return results, stopErr
}

// PairCandidate assigns number and the installation key to the discovered
// light at addr, then scans for its confirmation. It reports whether the
// light was registered. A light that does not confirm stays Discovered.
func (c *Controller) PairCandidate(ctx context.Context, addr radio.Address, number uint8) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pair(ctx, addr, number)
}

func (c *Controller) pair(ctx context.Context, addr radio.Address, number uint8) (bool, error) {
	if number == 0 {
		return false, fmt.Errorf("pair %s: light number must be 1..255", addr)
	}
	c.registry.mu.RLock()
	e, ok := c.registry.byAddr[addr]
	var mac [6]byte
	var state RegistrationState
	if ok {
		mac, state = e.mac, e.state
	}
	c.registry.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("pair %s: %w", addr, ErrLightNotFound)
	}
	if state == Registered {
		return true, nil
	}

	c.logger.Info("assigning key", "address", addr.String(), "number", number)
	results, err := c.broadcastAndScan(ctx, fastcon.AssignKeyCommand(mac, number, c.key), c.config.PairWindow)
	if err != nil {
		return false, fmt.Errorf("pair %s: %w", addr, err)
	}

	confirmed := false
	for _, res := range results {
		if c.confirm(res) && res.Address == addr {
			confirmed = true
		}
	}
	if !confirmed {
		c.registry.mu.RLock()
		confirmed = c.registry.byAddr[addr].state == Registered
		c.registry.mu.RUnlock()
	}
	if !confirmed {
		c.logger.Warn("light did not confirm key", "address", addr.String(), "number", number)
	}
	return confirmed, nil
}

// confirm registers a discovered light whose advertisement no longer
// carries the factory key. Reports whether a light was registered.
func (c *Controller) confirm(res radio.ScanResult) bool {
	b, ok := fastcon.ParseBeacon(res.ManufacturerData)
	if !ok || b.Unpaired() {
		return false
	}

	c.registry.mu.Lock()
	e, known := c.registry.byAddr[res.Address]
	if !known || e.state != Discovered {
		c.registry.mu.Unlock()
		return false
	}
	number := b.LightNumber(c.key)
	if number == 0 {
		c.registry.mu.Unlock()
		c.logger.Debug("ignoring beacon keyed for another controller", "address", res.Address.String())
		return false
	}
	now := time.Now()
	e.state = Registered
	e.number = number
	e.registeredAt = now
	e.lastSeen = now
	e.rssi = res.RSSI
	rec, view := e.record(), e.view()
	c.registry.mu.Unlock()

	c.saveLight(rec)
	c.logger.Info("light registered", "id", view.ID, "number", number, "type", view.Type)
	c.events.Emit(Event{Type: EventLightRegistered, Data: view})
	return true
}

// DiscoverAndPairAll runs one discovery scan and then pairs every light that
// is not yet registered, numbering lights by discovery order starting at 1.
func (c *Controller) DiscoverAndPairAll(ctx context.Context) (BootstrapResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res BootstrapResult
	c.events.Emit(Event{Type: EventBootstrap, Data: BootstrapEvent{Phase: "start"}})

	added, err := c.discover(ctx)
	if err != nil {
		return res, err
	}
	res.Discovered = added

	if err := c.sleep(ctx, c.config.SettleDelay); err != nil {
		return res, err
	}

	for _, d := range c.registry.Snapshot() {
		if d.Registration == Registered {
			continue
		}
		if d.Order+1 > 255 {
			c.logger.Warn("no light number left", "address", d.Address.String(), "order", d.Order)
			res.Unpaired = append(res.Unpaired, d.ID)
			continue
		}
		ok, err := c.pair(ctx, d.Address, uint8(d.Order+1))
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil || c.ctx.Err() != nil {
				return res, err
			}
			c.logger.Error("pairing failed", "address", d.Address.String(), "err", err)
		}
		if ok {
			res.Paired++
		} else {
			res.Unpaired = append(res.Unpaired, d.ID)
		}
	}

	res.Registered = c.registry.Count(Registered)
	c.logger.Info("bootstrap complete",
		"discovered", res.Discovered, "paired", res.Paired,
		"registered", res.Registered, "unpaired", len(res.Unpaired))
	c.events.Emit(Event{Type: EventBootstrap, Data: BootstrapEvent{Phase: "done", Result: &res}})
	return res, nil
}
