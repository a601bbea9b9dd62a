package hci

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble/linux/hci/cmd"

	"fastcon-bridge/internal/radio"
)

var (
	opReset           = opcode(&cmd.Reset{})
	opSetEventMask    = opcode(&cmd.SetEventMask{})
	opLESetAdvParams  = opcode(&cmd.LESetAdvertisingParameters{})
	opLESetAdvData    = opcode(&cmd.LESetAdvertisingData{})
	opLESetAdvEnable  = opcode(&cmd.LESetAdvertiseEnable{})
	opLESetScanParams = opcode(&cmd.LESetScanParameters{})
	opLESetScanEnable = opcode(&cmd.LESetScanEnable{})
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentCommand struct {
	opcode uint16
	params []byte
}

// fakeController answers every command with a successful Command Complete
// and, when scanning is enabled, emits the configured advertising reports.
type fakeController struct {
	conn    net.Conn
	reports [][]byte
	status  map[uint16]byte

	mu   sync.Mutex
	sent []sentCommand
}

func (f *fakeController) run() {
	r := bufio.NewReader(f.conn)
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}
		if hdr[0] != packetCommand {
			return
		}
		op := binary.LittleEndian.Uint16(hdr[1:3])
		params := make([]byte, hdr[3])
		if _, err := io.ReadFull(r, params); err != nil {
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, sentCommand{op, params})
		f.mu.Unlock()

		complete := []byte{packetEvent, evtCommandComplete, 4, 1, byte(op), byte(op >> 8), f.status[op]}
		if _, err := f.conn.Write(complete); err != nil {
			return
		}
		if op == opLESetScanEnable && params[0] == 1 {
			for _, rep := range f.reports {
				if _, err := f.conn.Write(rep); err != nil {
					return
				}
			}
		}
	}
}

func (f *fakeController) commands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.sent...)
}

func newTestAdapter(t *testing.T, fc *fakeController) *Adapter {
	t.Helper()
	host, ctrl := net.Pipe()
	fc.conn = ctrl
	go fc.run()
	a := New(host, newTestLogger())
	t.Cleanup(func() {
		a.Close()
		ctrl.Close()
	})
	return a
}

// advReport builds an LE Meta advertising report event with one report.
func advReport(addr radio.Address, data []byte, rssi int8) []byte {
	body := []byte{subevtAdvertisingReport, 1, 0x03, 0x00}
	for i := 5; i >= 0; i-- {
		body = append(body, addr[i])
	}
	body = append(body, byte(len(data)))
	body = append(body, data...)
	body = append(body, byte(rssi))
	return append([]byte{packetEvent, evtLEMeta, byte(len(body))}, body...)
}

func TestInit(t *testing.T) {
	fc := &fakeController{}
	a := newTestAdapter(t, fc)
	if err := a.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	cmds := fc.commands()
	if len(cmds) != 2 || cmds[0].opcode != opReset || cmds[1].opcode != opSetEventMask {
		t.Fatalf("commands = %+v", cmds)
	}
	if mask := binary.LittleEndian.Uint64(cmds[1].params); mask&(1<<61) == 0 {
		t.Errorf("event mask 0x%X does not enable LE meta events", mask)
	}
}

func TestCommandStatusError(t *testing.T) {
	fc := &fakeController{status: map[uint16]byte{opReset: 0x0C}}
	a := newTestAdapter(t, fc)
	err := a.Init(context.Background())
	var se *StatusError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &se) || se.Status != 0x0C {
		t.Fatalf("err = %v, want status 0x0C", err)
	}
	if se.Command != "Reset" || se.Opcode != 0x0C03 {
		t.Errorf("status error names %s 0x%04X, want Reset 0x0C03", se.Command, se.Opcode)
	}
}

func TestCommandOpcodes(t *testing.T) {
	tests := []struct {
		name string
		got  uint16
		want uint16
	}{
		{"reset", opReset, 0x0C03},
		{"set event mask", opSetEventMask, 0x0C01},
		{"adv params", opLESetAdvParams, 0x2006},
		{"adv data", opLESetAdvData, 0x2008},
		{"adv enable", opLESetAdvEnable, 0x200A},
		{"scan params", opLESetScanParams, 0x200B},
		{"scan enable", opLESetScanEnable, 0x200C},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s opcode = 0x%04X, want 0x%04X", tt.name, tt.got, tt.want)
		}
	}
}

func TestEncodeCommand(t *testing.T) {
	pkt, err := encodeCommand(scanEnableCommand(true))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{packetCommand, 0x0C, 0x20, 2, 0x01, 0x00}
	if !bytes.Equal(pkt, want) {
		t.Errorf("scan enable = % X, want % X", pkt, want)
	}

	pkt, err = encodeCommand(&cmd.Reset{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pkt, []byte{packetCommand, 0x03, 0x0C, 0}) {
		t.Errorf("reset = % X", pkt)
	}
}

func TestStartStopAdvertising(t *testing.T) {
	fc := &fakeController{}
	a := newTestAdapter(t, fc)

	data := []byte{0x02, 0x01, 0x04, 0x03, 0xFF, 0xF0, 0xFF}
	if err := a.StartAdvertising(data, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := a.StartAdvertising(data, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := a.StopAdvertising(); err != nil {
		t.Fatal(err)
	}
	if err := a.StopAdvertising(); err != nil {
		t.Fatal(err)
	}

	var ops []uint16
	for _, c := range fc.commands() {
		ops = append(ops, c.opcode)
	}
	want := []uint16{
		opLESetAdvParams, opLESetAdvData, opLESetAdvEnable,
		opLESetAdvEnable, opLESetAdvParams, opLESetAdvData, opLESetAdvEnable,
		opLESetAdvEnable,
	}
	if len(ops) != len(want) {
		t.Fatalf("opcodes = %X, want %X", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("opcodes = %X, want %X", ops, want)
		}
	}

	cmds := fc.commands()
	params := cmds[0].params
	if interval := binary.LittleEndian.Uint16(params[0:2]); interval != 80 {
		t.Errorf("interval units = %d, want 80", interval)
	}
	if params[4] != 0x03 {
		t.Errorf("advertising type = 0x%02X, want ADV_NONCONN_IND", params[4])
	}
	adv := cmds[1].params
	if len(adv) != 32 || int(adv[0]) != len(data) || !bytes.Equal(adv[1:1+len(data)], data) {
		t.Errorf("advertising data params = % X", adv)
	}
}

func TestStartAdvertisingTooLong(t *testing.T) {
	a := newTestAdapter(t, &fakeController{})
	if err := a.StartAdvertising(make([]byte, 32), 50*time.Millisecond); err == nil {
		t.Fatal("expected error")
	}
}

func TestScan(t *testing.T) {
	addr := radio.Address{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	data := []byte{0x05, 0x09, 'l', 'a', 'm', 'p', 0x04, 0xFF, 0xF0, 0xFF, 0x42}
	fc := &fakeController{reports: [][]byte{advReport(addr, data, -60)}}
	a := newTestAdapter(t, fc)

	results, err := a.Scan(context.Background(), 200*time.Millisecond, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Address != addr {
		t.Errorf("address = %v, want %v", r.Address, addr)
	}
	if r.Name != "lamp" {
		t.Errorf("name = %q", r.Name)
	}
	if r.RSSI != -60 {
		t.Errorf("rssi = %d", r.RSSI)
	}
	if !bytes.Equal(r.ManufacturerData, []byte{0xF0, 0xFF, 0x42}) {
		t.Errorf("manufacturer data = % X", r.ManufacturerData)
	}

	cmds := fc.commands()
	if cmds[0].opcode != opLESetScanParams || cmds[0].params[0] != 0x01 {
		t.Errorf("scan params = %+v, want active scan", cmds[0])
	}
	last := cmds[len(cmds)-1]
	if last.opcode != opLESetScanEnable || last.params[0] != 0x00 {
		t.Errorf("last command = %+v, want scan disable", last)
	}
}

func TestScanCancelled(t *testing.T) {
	a := newTestAdapter(t, &fakeController{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := a.Scan(ctx, 10*time.Second, false); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("scan did not end on cancellation")
	}
}

func TestDecodeAdvertisingReportsTruncated(t *testing.T) {
	full := advReport(radio.Address{1, 2, 3, 4, 5, 6}, []byte{0x02, 0x01, 0x06}, -40)[3:]
	tests := []struct {
		name   string
		params []byte
	}{
		{"empty", nil},
		{"subevent only", []byte{subevtAdvertisingReport}},
		{"fixed fields cut", []byte{subevtAdvertisingReport, 1, 0, 1, 2}},
		{"data cut", full[:len(full)-2]},
		{"two reports announced", append([]byte{subevtAdvertisingReport, 2}, full[2:]...)},
	}
	for _, tt := range tests {
		if _, err := decodeAdvertisingReports(tt.params); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	got, err := decodeAdvertisingReports(full)
	if err != nil || len(got) != 1 || got[0].RSSI != -40 {
		t.Errorf("complete report = %+v, %v", got, err)
	}
}

// failingPort never delivers a byte.
type failingPort struct {
	reads  atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func (p *failingPort) Read([]byte) (int, error) {
	p.reads.Add(1)
	return 0, errors.New("framing error")
}

func (p *failingPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *failingPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestReadLoopGivesUpOnPersistentErrors(t *testing.T) {
	port := &failingPort{closed: make(chan struct{})}
	a := New(port, newTestLogger())
	defer a.Close()

	select {
	case <-a.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop still running")
	}
	if n := port.reads.Load(); n != maxReadErrors {
		t.Errorf("reads = %d, want %d", n, maxReadErrors)
	}

	start := time.Now()
	if err := a.Init(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Init err = %v, want ErrStopped", err)
	}
	if _, err := a.Scan(context.Background(), time.Minute, false); !errors.Is(err, ErrStopped) {
		t.Errorf("Scan err = %v, want ErrStopped", err)
	}
	if time.Since(start) > time.Second {
		t.Error("calls on a stopped adapter did not fail fast")
	}
}

func TestPendingCommandEndsWhenReaderStops(t *testing.T) {
	port := &failingPort{closed: make(chan struct{})}
	a := New(port, newTestLogger())
	defer a.Close()

	// Issued while the reader is still backing off.
	err := a.Init(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestCloseReportsErrClosed(t *testing.T) {
	a := newTestAdapter(t, &fakeController{})
	a.Close()
	if err := a.StartAdvertising([]byte{0x02, 0x01, 0x06}, 50*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

type modemPort struct {
	dtrErr, rtsErr error
	dtr, rts       bool
}

func (p *modemPort) SetDTR(v bool) error { p.dtr = v; return p.dtrErr }
func (p *modemPort) SetRTS(v bool) error { p.rts = v; return p.rtsErr }

func TestAssertModemLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ok := &modemPort{}
	assertModemLines(ok, "/dev/ttyACM0", logger)
	if !ok.dtr || !ok.rts {
		t.Errorf("lines = dtr %v rts %v, want both raised", ok.dtr, ok.rts)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log: %s", buf.String())
	}

	failing := &modemPort{dtrErr: errors.New("inappropriate ioctl"), rtsErr: errors.New("inappropriate ioctl")}
	assertModemLines(failing, "/dev/ttyUSB0", logger)
	out := buf.String()
	for _, want := range []string{"set DTR failed", "set RTS failed", "/dev/ttyUSB0", "inappropriate ioctl"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
	if !failing.rts {
		t.Error("RTS not attempted after DTR failed")
	}
}

func TestAdvIntervalUnits(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want uint16
	}{
		{50 * time.Millisecond, 80},
		{time.Millisecond, minAdvInterval},
		{time.Minute, maxAdvInterval},
	}
	for _, tt := range tests {
		if got := advIntervalUnits(tt.d); got != tt.want {
			t.Errorf("advIntervalUnits(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
