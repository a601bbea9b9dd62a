//go:build linux

package hci

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// OpenSocket binds the HCI user channel of hciN. The interface must be down
// (hciconfig hciN down) and the process needs CAP_NET_ADMIN. The kernel
// delivers H4 framed packets on this channel.
func OpenSocket(ctx context.Context, dev int, logger *slog.Logger) (*Adapter, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("hci socket: %w", err)
	}
	sa := &unix.SockaddrHCI{Dev: uint16(dev), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hci socket: bind hci%d: %w", dev, err)
	}

	// Non-blocking so the runtime poller can interrupt reads on Close.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hci socket: %w", err)
	}
	a := New(os.NewFile(uintptr(fd), fmt.Sprintf("hci%d", dev)), logger)
	if err := a.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
