package web

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_http._tcp"

// mdnsServer is the registered service; *zeroconf.Server satisfies it.
type mdnsServer interface {
	Shutdown()
}

// mdnsRegister is replaced in tests.
var mdnsRegister = func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (mdnsServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// Announcer advertises the web API on the local network.
type Announcer struct {
	server mdnsServer
	logger *slog.Logger
}

// Announce registers the API listening on listenAddr as an mDNS
// _http._tcp service. instance is the service instance name.
func Announce(listenAddr, instance, installID, version string, logger *slog.Logger) (*Announcer, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("mdns: listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: invalid port %q", portStr)
	}

	txt := []string{"path=/api", "install_id=" + installID}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	srv, err := mdnsRegister(instance, mdnsService, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger = logger.With("component", "mdns")
	logger.Info("announcing web API", "instance", instance, "port", port)
	return &Announcer{server: srv, logger: logger}, nil
}

// Shutdown withdraws the announcement.
func (a *Announcer) Shutdown() {
	a.server.Shutdown()
	a.logger.Debug("mDNS announcement withdrawn")
}
