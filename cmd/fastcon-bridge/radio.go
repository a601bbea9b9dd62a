package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fastcon-bridge/internal/radio"
	"fastcon-bridge/internal/radio/hci"
)

const radioInitTimeout = 10 * time.Second

func openRadio(ctx context.Context, cfg *Config, logger *slog.Logger) (radio.Radio, error) {
	ctx, cancel := context.WithTimeout(ctx, radioInitTimeout)
	defer cancel()

	logger = logger.With("component", "hci")
	var (
		a   *hci.Adapter
		err error
	)
	switch cfg.Radio.Type {
	case "uart":
		logger.Info("opening HCI controller", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
		a, err = hci.OpenUART(ctx, cfg.Radio.Port, cfg.Radio.Baud, logger)
	case "socket":
		logger.Info("opening HCI user channel", "device", fmt.Sprintf("hci%d", cfg.Radio.Device))
		a, err = hci.OpenSocket(ctx, cfg.Radio.Device, logger)
	default:
		return nil, fmt.Errorf("unknown radio type %q (supported: uart, socket)", cfg.Radio.Type)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
