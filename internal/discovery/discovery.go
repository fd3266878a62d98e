// Package discovery advertises a relay on the local network over mDNS and
// finds one from the client.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabmd._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no relay found on the local network")

// Advertise registers the relay under instance and blocks until ctx is done.
func Advertise(ctx context.Context, instance string, port int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"path=/"}, nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}
	defer server.Shutdown()

	logger.Info("advertising relay over mdns", "instance", instance, "service", Service, "port", port)
	<-ctx.Done()
	return nil
}

// Lookup browses for a relay until ctx is done and returns the websocket URL
// of the first one found.
func Lookup(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("failed to create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse mdns: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, ok := EntryURL(entry); ok {
				return u, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// EntryURL builds a relay URL from a resolved service entry, preferring IPv4.
func EntryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
