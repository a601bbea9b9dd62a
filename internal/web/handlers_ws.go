package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"fastcon-bridge/internal/controller"
)

// eventSnapshot is the first message of every stream: the lights matching the
// subscription at the moment it started.
const eventSnapshot = "snapshot"

const (
	wsSendQueue    = 64
	wsWriteTimeout = 10 * time.Second
)

// lightFilter selects the events a subscriber receives. Empty sets match
// everything. With a light set, events that concern no particular light
// (bootstrap, command_sent) are not delivered.
type lightFilter struct {
	lights map[string]bool
	types  map[string]bool
}

// parseLightFilter reads repeated or comma separated "light" and "type"
// query parameters, e.g. /ws?light=DMX_a,DMX_b&type=light_state.
func parseLightFilter(q url.Values) lightFilter {
	return lightFilter{lights: querySet(q["light"]), types: querySet(q["type"])}
}

func querySet(values []string) map[string]bool {
	var set map[string]bool
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item == "" {
				continue
			}
			if set == nil {
				set = make(map[string]bool)
			}
			set[item] = true
		}
	}
	return set
}

func (f lightFilter) wantsType(t string) bool {
	return len(f.types) == 0 || f.types[t]
}

func (f lightFilter) wantsLight(id string) bool {
	return len(f.lights) == 0 || f.lights[id]
}

func (f lightFilter) match(ev controller.Event) bool {
	if !f.wantsType(ev.Type) {
		return false
	}
	if len(f.lights) == 0 {
		return true
	}
	id, ok := eventLightID(ev)
	return ok && f.lights[id]
}

// eventLightID returns the light an event is about.
func eventLightID(ev controller.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case controller.LightDevice:
		return d.ID, true
	case controller.LightStateEvent:
		return d.ID, true
	}
	return "", false
}

// snapshot is the eventSnapshot message for f, or nil when f excludes it.
func (f lightFilter) snapshot(lights []controller.LightDevice) *controller.Event {
	if !f.wantsType(eventSnapshot) {
		return nil
	}
	matched := make([]controller.LightDevice, 0, len(lights))
	for _, d := range lights {
		if f.wantsLight(d.ID) {
			matched = append(matched, d)
		}
	}
	return &controller.Event{Type: eventSnapshot, Data: matched}
}

type wsClient struct {
	conn   *websocket.Conn
	filter lightFilter
	send   chan []byte
}

// WSHub delivers controller events to WebSocket subscribers. Publish runs on
// the controller's emitting goroutine and never blocks: a subscriber whose
// queue is full is dropped.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
	logger  *slog.Logger
}

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
}

// subscribe queues the snapshot for c and adds it to the hub. Both happen
// under the hub lock, so no event published after the snapshot was taken can
// reach c ahead of it. It reports false once the hub is stopped.
func (h *WSHub) subscribe(c *wsClient, lights func() []controller.LightDevice) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if snap := c.filter.snapshot(lights()); snap != nil {
		if data, err := json.Marshal(snap); err == nil {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws subscriber added", "total", len(h.clients),
		"lights", len(c.filter.lights), "types", len(c.filter.types))
	return true
}

func (h *WSHub) unsubscribe(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *WSHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish sends ev to every subscriber whose filter matches it.
func (h *WSHub) Publish(ev controller.Event) {
	var data []byte
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.match(ev) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("ws marshal", "type", ev.Type, "err", err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws subscriber dropped (too slow)", "type", ev.Type)
		}
	}
}

// Stop closes every subscriber. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// Clients returns the number of subscribers.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	// Without patterns nhooyr only accepts same-origin requests.
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:   conn,
		filter: parseLightFilter(r.URL.Query()),
		send:   make(chan []byte, wsSendQueue),
	}
	if !s.wsHub.subscribe(client, s.ctrl.Lights) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s.wsWrite(ctx, client)
		cancel()
	}()

	// Client messages are ignored; reading notices the close.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	s.wsHub.unsubscribe(client)
}

// wsWrite drains the client's queue until the hub closes it or ctx ends.
func (s *Server) wsWrite(ctx context.Context, client *wsClient) {
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusGoingAway, "unsubscribed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
