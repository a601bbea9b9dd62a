//go:build !linux

package hci

import (
	"context"
	"errors"
	"log/slog"
)

// OpenSocket is only available on Linux.
func OpenSocket(ctx context.Context, dev int, logger *slog.Logger) (*Adapter, error) {
	return nil, errors.New("hci socket: HCI user channel requires linux")
}
