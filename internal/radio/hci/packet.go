package hci

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"

	"fastcon-bridge/internal/radio"
)

// H4 packet indicators.
const (
	packetCommand = 0x01
	packetACL     = 0x02
	packetSCO     = 0x03
	packetEvent   = 0x04
)

// Event codes. Every LE subevent arrives under the LE Meta code.
const (
	evtCommandComplete = evt.CommandCompleteCode
	evtCommandStatus   = evt.CommandStatusCode
	evtLEMeta          = 0x3E

	subevtAdvertisingReport = evt.LEAdvertisingReportSubCode
)

// eventMask is the default mask with LE Meta events enabled.
const eventMask uint64 = 0x00001FFFFFFFFFFF | 1<<61

// Advertising and scanning parameters.
const (
	advNonConnectable = 0x03 // ADV_NONCONN_IND
	advAllChannels    = 0x07

	scanPassive = 0x00
	scanActive  = 0x01
)

// command is an HCI command from go-ble's cmd package.
type command interface {
	OpCode() int
	Len() int
	Marshal(b []byte) error
}

func opcode(c command) uint16 {
	return uint16(c.OpCode())
}

// commandName is the go-ble type name of c without package or pointer,
// e.g. "LESetAdvertiseEnable".
func commandName(c command) string {
	name := fmt.Sprintf("%T", c)
	return name[strings.LastIndexByte(name, '.')+1:]
}

// encodeCommand frames c as an H4 command packet.
func encodeCommand(c command) ([]byte, error) {
	n := c.Len()
	pkt := make([]byte, 4+n)
	pkt[0] = packetCommand
	binary.LittleEndian.PutUint16(pkt[1:3], opcode(c))
	pkt[3] = byte(n)
	if n > 0 {
		if err := c.Marshal(pkt[4:]); err != nil {
			return nil, fmt.Errorf("marshal %s: %w", commandName(c), err)
		}
	}
	return pkt, nil
}

func advParametersCommand(interval uint16) *cmd.LESetAdvertisingParameters {
	return &cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: interval,
		AdvertisingIntervalMax: interval,
		AdvertisingType:        advNonConnectable,
		AdvertisingChannelMap:  advAllChannels,
	}
}

func advDataCommand(data []byte) *cmd.LESetAdvertisingData {
	c := &cmd.LESetAdvertisingData{AdvertisingDataLength: uint8(len(data))}
	copy(c.AdvertisingData[:], data)
	return c
}

func advEnableCommand(on bool) *cmd.LESetAdvertiseEnable {
	c := &cmd.LESetAdvertiseEnable{}
	if on {
		c.AdvertisingEnable = 1
	}
	return c
}

func scanParametersCommand(active bool, interval, window uint16) *cmd.LESetScanParameters {
	c := &cmd.LESetScanParameters{
		LEScanType:     scanPassive,
		LEScanInterval: interval,
		LEScanWindow:   window,
	}
	if active {
		c.LEScanType = scanActive
	}
	return c
}

// scanEnableCommand leaves duplicate filtering off so every advertisement in
// the window is reported.
func scanEnableCommand(on bool) *cmd.LESetScanEnable {
	c := &cmd.LESetScanEnable{}
	if on {
		c.LEScanEnable = 1
	}
	return c
}

type event struct {
	code   byte
	params []byte
}

// readPacket reads one H4 packet. Non-event packets are consumed and returned
// as nil events.
func readPacket(r *bufio.Reader) (*event, error) {
	t, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch t {
	case packetEvent:
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		params := make([]byte, hdr[1])
		if _, err := io.ReadFull(r, params); err != nil {
			return nil, err
		}
		return &event{code: hdr[0], params: params}, nil
	case packetACL:
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		_, err := r.Discard(int(binary.LittleEndian.Uint16(hdr[2:4])))
		return nil, err
	case packetSCO, packetCommand:
		var hdr [3]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		_, err := r.Discard(int(hdr[2]))
		return nil, err
	default:
		return nil, fmt.Errorf("unknown packet indicator 0x%02X", t)
	}
}

// commandResult is the outcome of a command as reported by Command Complete
// or Command Status.
type commandResult struct {
	opcode uint16
	status byte
	params []byte
}

func decodeCommandComplete(params []byte) (commandResult, error) {
	if len(params) < 4 {
		return commandResult{}, fmt.Errorf("command complete too short: %d bytes", len(params))
	}
	e := evt.CommandComplete(params)
	ret := e.ReturnParameters()
	return commandResult{opcode: e.CommandOpcode(), status: ret[0], params: ret[1:]}, nil
}

func decodeCommandStatus(params []byte) (commandResult, error) {
	if len(params) < 4 {
		return commandResult{}, fmt.Errorf("command status too short: %d bytes", len(params))
	}
	e := evt.CommandStatus(params)
	return commandResult{opcode: e.CommandOpcode(), status: e.Status()}, nil
}

// decodeAdvertisingReports parses an LE Advertising Report subevent, subevent
// code included. The accessors index without bounds checks, so the layout is
// validated first: per report one event type, address type, six address
// bytes, data length and RSSI, plus the data itself.
func decodeAdvertisingReports(params []byte) ([]radio.ScanResult, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("advertising report too short: %d bytes", len(params))
	}
	rep := evt.LEAdvertisingReport(params)
	n := int(rep.NumReports())
	fixed := 2 + n*10
	if len(params) < fixed {
		return nil, fmt.Errorf("advertising report with %d reports truncated", n)
	}
	total := fixed
	for i := 0; i < n; i++ {
		total += int(rep.LengthData(i))
	}
	if len(params) < total {
		return nil, fmt.Errorf("advertising report data truncated: %d of %d bytes", len(params), total)
	}

	out := make([]radio.ScanResult, 0, n)
	for i := 0; i < n; i++ {
		wire := rep.Address(i)
		var addr radio.Address
		for j := range addr {
			addr[j] = wire[5-j]
		}
		data := rep.Data(i)
		res := radio.ScanResult{
			Address: addr,
			Name:    radio.LocalName(data),
			RSSI:    int(rep.RSSI(i)),
		}
		if mfr, ok := radio.ManufacturerData(data); ok {
			res.ManufacturerData = append([]byte(nil), mfr...)
		}
		out = append(out, res)
	}
	return out, nil
}
