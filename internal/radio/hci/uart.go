package hci

import (
	"context"
	"fmt"
	"log/slog"

	"go.bug.st/serial"
)

// OpenUART opens a controller attached to a serial port, for example a
// Zephyr hci_uart board, and initialises it.
func OpenUART(ctx context.Context, portName string, baudRate int, logger *slog.Logger) (*Adapter, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("hci uart: open %s: %w", portName, err)
	}

	assertModemLines(port, portName, logger)

	a := New(port, logger)
	if err := a.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

type modemLines interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// assertModemLines raises DTR and RTS, which USB CDC ACM controller firmware
// waits for. Adapters without modem lines reject the calls; that is logged
// and the port is used anyway.
func assertModemLines(port modemLines, portName string, logger *slog.Logger) {
	if err := port.SetDTR(true); err != nil {
		logger.Warn("hci uart: set DTR failed", "port", portName, "err", err)
	}
	if err := port.SetRTS(true); err != nil {
		logger.Warn("hci uart: set RTS failed", "port", portName, "err", err)
	}
}
