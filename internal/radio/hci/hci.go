// Package hci drives a Bluetooth controller directly over the Host Controller
// Interface, either through a UART (H4 framing) or a Linux HCI user channel.
package hci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-ble/ble/linux/hci/cmd"
	"go.bug.st/serial"

	"fastcon-bridge/internal/radio"
)

const (
	commandTimeout = 2 * time.Second

	// Continuous scanning: window equals interval.
	scanInterval = 100 * time.Millisecond

	minAdvInterval = 0x0020
	maxAdvInterval = 0x4000

	// Read errors are retried with doubling delays; the reader gives up
	// after maxReadErrors in a row.
	readRetryBase = 5 * time.Millisecond
	readRetryMax  = 500 * time.Millisecond
	maxReadErrors = 8
)

var (
	ErrClosed = errors.New("hci: adapter closed")
	// ErrStopped is returned once the event reader has exited because the
	// transport closed or kept failing.
	ErrStopped = errors.New("hci: event reader stopped")
)

// StatusError is a non-zero status returned by the controller.
type StatusError struct {
	Command string
	Opcode  uint16
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hci %s (0x%04X): status 0x%02X", e.Command, e.Opcode, e.Status)
}

// Adapter implements radio.Radio on top of a raw HCI transport.
type Adapter struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	cmdMu     sync.Mutex // one outstanding command
	writeMu   sync.Mutex
	pendingMu sync.Mutex
	pending   chan commandResult
	pendingOp uint16

	advMu       sync.Mutex
	advertising bool

	scanMu    sync.Mutex // one scan at a time
	resultsMu sync.Mutex
	scanning  bool
	results   []radio.ScanResult

	done      chan struct{}
	stopped   chan struct{} // closed when readLoop exits
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ radio.Radio = (*Adapter)(nil)

// New wraps an HCI transport that carries H4 framed packets and starts
// reading events from it. Call Init before use.
func New(port io.ReadWriteCloser, logger *slog.Logger) *Adapter {
	a := &Adapter{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.readLoop()
	return a
}

// Init resets the controller and enables LE meta events.
func (a *Adapter) Init(ctx context.Context) error {
	if _, err := a.command(ctx, &cmd.Reset{}); err != nil {
		return fmt.Errorf("hci init: %w", err)
	}
	if _, err := a.command(ctx, &cmd.SetEventMask{EventMask: eventMask}); err != nil {
		return fmt.Errorf("hci init: %w", err)
	}
	a.logger.Info("hci controller ready")
	return nil
}

// stopErr tells an explicit Close apart from a reader that gave up.
func (a *Adapter) stopErr() error {
	select {
	case <-a.done:
		return ErrClosed
	default:
		return ErrStopped
	}
}

func (a *Adapter) command(ctx context.Context, c command) ([]byte, error) {
	op, name := opcode(c), commandName(c)
	pkt, err := encodeCommand(c)
	if err != nil {
		return nil, fmt.Errorf("hci %s: %w", name, err)
	}

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	select {
	case <-a.stopped:
		return nil, a.stopErr()
	default:
	}

	ch := make(chan commandResult, 1)
	a.pendingMu.Lock()
	a.pending = ch
	a.pendingOp = op
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		a.pending = nil
		a.pendingMu.Unlock()
	}()

	a.writeMu.Lock()
	_, err = a.port.Write(pkt)
	a.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("hci write %s: %w", name, err)
	}
	a.logger.Debug("hci TX", "cmd", name, "params", fmt.Sprintf("%X", pkt[4:]))

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.status != 0 {
			return nil, &StatusError{Command: name, Opcode: op, Status: res.status}
		}
		return res.params, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("hci %s: %w", name, ctx.Err())
	case <-a.stopped:
		return nil, a.stopErr()
	}
}

// transportClosed reports whether err means the port is gone for good.
func transportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	return errors.As(err, &pe) && pe.Code() == serial.PortClosed
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()
	defer close(a.stopped)

	delay := readRetryBase
	failures := 0
	for {
		ev, err := readPacket(a.reader)
		if err == nil {
			failures, delay = 0, readRetryBase
			if ev != nil {
				a.handleEvent(ev)
			}
			continue
		}
		select {
		case <-a.done:
			return
		default:
		}
		if transportClosed(err) {
			a.logger.Warn("hci transport closed", "err", err)
			return
		}
		failures++
		if failures >= maxReadErrors {
			a.logger.Error("hci read failing, stopping event reader", "err", err, "attempts", failures)
			return
		}
		a.logger.Warn("hci read error", "err", err, "retry_in", delay)
		select {
		case <-time.After(delay):
		case <-a.done:
			return
		}
		delay = min(delay*2, readRetryMax)
	}
}

func (a *Adapter) handleEvent(ev *event) {
	switch ev.code {
	case evtCommandComplete, evtCommandStatus:
		var res commandResult
		var err error
		if ev.code == evtCommandComplete {
			res, err = decodeCommandComplete(ev.params)
		} else {
			res, err = decodeCommandStatus(ev.params)
		}
		if err != nil {
			a.logger.Warn("hci decode error", "err", err)
			return
		}
		a.pendingMu.Lock()
		ch, op := a.pending, a.pendingOp
		a.pendingMu.Unlock()
		if ch == nil || op != res.opcode {
			a.logger.Debug("hci unsolicited completion", "opcode", fmt.Sprintf("0x%04X", res.opcode), "status", res.status)
			return
		}
		select {
		case ch <- res:
		default:
		}

	case evtLEMeta:
		if len(ev.params) == 0 || ev.params[0] != subevtAdvertisingReport {
			return
		}
		reports, err := decodeAdvertisingReports(ev.params)
		if err != nil {
			a.logger.Debug("hci advertising report", "err", err)
		}
		a.resultsMu.Lock()
		if a.scanning {
			a.results = append(a.results, reports...)
		}
		a.resultsMu.Unlock()

	default:
		a.logger.Debug("hci event ignored", "code", fmt.Sprintf("0x%02X", ev.code))
	}
}

func advIntervalUnits(d time.Duration) uint16 {
	units := d / (625 * time.Microsecond)
	if units < minAdvInterval {
		units = minAdvInterval
	}
	if units > maxAdvInterval {
		units = maxAdvInterval
	}
	return uint16(units)
}

// StartAdvertising implements radio.Broadcaster. Advertising parameters cannot
// change while advertising is enabled, so a running advertisement is stopped
// first.
func (a *Adapter) StartAdvertising(data []byte, interval time.Duration) error {
	if len(data) > radio.MaxAdvertisingData {
		return fmt.Errorf("hci advertise: %d bytes exceeds %d", len(data), radio.MaxAdvertisingData)
	}
	a.advMu.Lock()
	defer a.advMu.Unlock()

	ctx := context.Background()
	if a.advertising {
		if _, err := a.command(ctx, advEnableCommand(false)); err != nil {
			return fmt.Errorf("hci advertise: %w", err)
		}
		a.advertising = false
	}
	if _, err := a.command(ctx, advParametersCommand(advIntervalUnits(interval))); err != nil {
		return fmt.Errorf("hci advertise: %w", err)
	}
	if _, err := a.command(ctx, advDataCommand(data)); err != nil {
		return fmt.Errorf("hci advertise: %w", err)
	}
	if _, err := a.command(ctx, advEnableCommand(true)); err != nil {
		return fmt.Errorf("hci advertise: %w", err)
	}
	a.advertising = true
	return nil
}

// StopAdvertising implements radio.Broadcaster.
func (a *Adapter) StopAdvertising() error {
	a.advMu.Lock()
	defer a.advMu.Unlock()
	if !a.advertising {
		return nil
	}
	if _, err := a.command(context.Background(), advEnableCommand(false)); err != nil {
		return fmt.Errorf("hci stop advertising: %w", err)
	}
	a.advertising = false
	return nil
}

// Scan implements radio.Scanner. Every advertisement received during the
// window is returned.
func (a *Adapter) Scan(ctx context.Context, window time.Duration, active bool) ([]radio.ScanResult, error) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	units := uint16(scanInterval / (625 * time.Microsecond))
	if _, err := a.command(ctx, scanParametersCommand(active, units, units)); err != nil {
		return nil, fmt.Errorf("hci scan: %w", err)
	}

	a.resultsMu.Lock()
	a.results = nil
	a.scanning = true
	a.resultsMu.Unlock()

	if _, err := a.command(ctx, scanEnableCommand(true)); err != nil {
		a.stopCollecting()
		return nil, fmt.Errorf("hci scan: %w", err)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-a.stopped:
		return a.stopCollecting(), a.stopErr()
	}

	_, err := a.command(context.Background(), scanEnableCommand(false))
	results := a.stopCollecting()
	if err != nil {
		return results, fmt.Errorf("hci stop scan: %w", err)
	}
	a.logger.Debug("hci scan complete", "results", len(results), "active", active)
	return results, nil
}

func (a *Adapter) stopCollecting() []radio.ScanResult {
	a.resultsMu.Lock()
	defer a.resultsMu.Unlock()
	a.scanning = false
	res := a.results
	a.results = nil
	return res
}

// Close stops the read loop and closes the transport.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.port.Close()
		a.wg.Wait()
	})
	return err
}
