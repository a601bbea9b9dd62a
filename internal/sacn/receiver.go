// Package sacn feeds DMX512 frames received over E1.31 (Streaming ACN) to
// the lights. The go-sacn receiver socket parses packets, arbitrates source
// priority, detects source timeouts and joins the multicast groups; this
// package filters the frames it reports and maps consecutive universes onto
// one channel array.
package sacn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	gosacn "github.com/Hundemeier/go-sacn/sacn"
)

const maxChannels = 512

// Config selects the universes to receive.
type Config struct {
	// Universe is the first universe, 1..63999.
	Universe uint16
	// UniverseCount consecutive universes are joined, their channels
	// concatenated in order.
	UniverseCount int
	// Interface names the network interface for multicast joins; empty
	// lets the kernel choose.
	Interface string
}

func (c Config) validate() error {
	if c.Universe < 1 || c.Universe > 63999 {
		return fmt.Errorf("sacn: universe %d out of range 1..63999", c.Universe)
	}
	if last := int(c.Universe) + c.UniverseCount - 1; c.UniverseCount > 1 && last > 63999 {
		return fmt.Errorf("sacn: universes %d..%d exceed 63999", c.Universe, last)
	}
	return nil
}

// Stats counts frames delivered by the socket.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Ignored    uint64 `json:"ignored"`
	Stale      uint64 `json:"stale"`
	Terminated uint64 `json:"terminated"`
	Timeouts   uint64 `json:"timeouts"`
}

// frame is the part of a data packet the receiver acts on.
type frame struct {
	universe   uint16
	sequence   uint8
	priority   uint8
	startCode  uint8
	preview    bool
	terminated bool
	data       []byte
}

func frameOf(p *gosacn.DataPacket) frame {
	return frame{
		universe:   p.Universe(),
		sequence:   p.Sequence(),
		priority:   p.Priority(),
		startCode:  p.DmxStartCode(),
		preview:    p.PreviewData(),
		terminated: p.StreamTerminated(),
		data:       p.Data(),
	}
}

type source struct {
	sequence uint8
	priority uint8
}

// sequenceAccepted implements the E1.31 out-of-order check: a packet is
// dropped when it is up to 20 behind the last one seen.
func sequenceAccepted(last, seq uint8) bool {
	diff := int8(seq - last)
	return diff > 0 || diff <= -20
}

// Receiver keeps the latest DMX frame of every configured universe.
type Receiver struct {
	cfg    Config
	logger *slog.Logger

	socket    *gosacn.ReceiverSocket
	closeOnce sync.Once

	mu     sync.Mutex
	frames [][]byte
	last   map[uint16]source
	stats  Stats

	updates chan struct{}
}

func newReceiver(cfg Config, logger *slog.Logger) *Receiver {
	if cfg.UniverseCount < 1 {
		cfg.UniverseCount = 1
	}
	frames := make([][]byte, cfg.UniverseCount)
	for i := range frames {
		frames[i] = make([]byte, maxChannels)
	}
	return &Receiver{
		cfg:     cfg,
		logger:  logger,
		frames:  frames,
		last:    make(map[uint16]source),
		updates: make(chan struct{}, 1),
	}
}

// Listen binds the E1.31 port and joins the multicast group of every
// configured universe.
func Listen(cfg Config, logger *slog.Logger) (*Receiver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := newReceiver(cfg, logger)

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("sacn: interface %s: %w", cfg.Interface, err)
		}
	}

	socket, err := gosacn.NewReceiverSocket("", ifi)
	if err != nil {
		return nil, fmt.Errorf("sacn: listen: %w", err)
	}
	socket.SetOnChangeCallback(func(_ gosacn.DataPacket, p gosacn.DataPacket) {
		r.receive(frameOf(&p))
	})
	socket.SetTimeoutCallback(r.timeout)
	socket.Start()
	r.socket = socket
	for i := 0; i < r.cfg.UniverseCount; i++ {
		u := cfg.Universe + uint16(i)
		if err := joinUniverse(socket, u); err != nil {
			r.Close()
			return nil, err
		}
		logger.Info("joined sACN universe", "universe", u)
	}
	return r, nil
}

// joinUniverse turns the socket's panic on a failed multicast join into an
// error.
func joinUniverse(socket *gosacn.ReceiverSocket, universe uint16) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("sacn: join universe %d: %v", universe, v)
		}
	}()
	socket.JoinUniverse(universe)
	return nil
}

// receive stores the slots of one universe. A shorter frame clears the rest
// of that universe. The socket reports changes from separate goroutines, so
// frames can arrive reordered; a frame behind the last one applied from the
// same source priority is dropped.
func (r *Receiver) receive(f frame) {
	r.mu.Lock()
	idx := int(f.universe) - int(r.cfg.Universe)
	if idx < 0 || idx >= len(r.frames) || f.preview || f.startCode != 0 {
		r.stats.Ignored++
		r.mu.Unlock()
		return
	}
	if f.terminated {
		r.stats.Terminated++
		delete(r.last, f.universe)
		r.mu.Unlock()
		r.logger.Info("sACN source terminated stream", "universe", f.universe)
		return
	}
	if last, ok := r.last[f.universe]; ok && last.priority == f.priority && !sequenceAccepted(last.sequence, f.sequence) {
		r.stats.Stale++
		r.mu.Unlock()
		return
	}
	r.last[f.universe] = source{sequence: f.sequence, priority: f.priority}
	r.stats.Frames++
	slots := r.frames[idx]
	n := copy(slots, f.data)
	clear(slots[n:])
	r.mu.Unlock()

	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// timeout runs when no packet arrived on a universe for the E1.31 network
// data loss time. The last frame is kept so the lights hold their state.
func (r *Receiver) timeout(universe uint16) {
	r.mu.Lock()
	r.stats.Timeouts++
	delete(r.last, universe)
	r.mu.Unlock()
	r.logger.Info("sACN universe timed out, holding last frame", "universe", universe)
}

// Run blocks until ctx is cancelled, then stops the socket.
func (r *Receiver) Run(ctx context.Context) error {
	<-ctx.Done()
	return r.Close()
}

// Updates signals that at least one frame changed since the last receive.
func (r *Receiver) Updates() <-chan struct{} {
	return r.updates
}

// Snapshot returns the channels of all universes concatenated.
func (r *Receiver) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, len(r.frames)*maxChannels)
	for _, f := range r.frames {
		out = append(out, f...)
	}
	return out
}

// Stats returns frame counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Pump calls apply with the latest snapshot whenever frames change. Frames
// that arrive while apply runs are coalesced into the next call.
func (r *Receiver) Pump(ctx context.Context, apply func(ctx context.Context, channels []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.updates:
			if err := apply(ctx, r.Snapshot()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("apply DMX frame", "err", err)
			}
		}
	}
}

// Close stops the socket's listener, which releases the port within one
// read deadline. Safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		if r.socket != nil {
			r.socket.Close()
		}
	})
	return nil
}
