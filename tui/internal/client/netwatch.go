package client

import (
	"context"
	"slices"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

const defaultNetPollInterval = 2 * time.Second

// InterfaceLister returns the host's network interfaces.
type InterfaceLister func(ctx context.Context) (psnet.InterfaceStatList, error)

// NetWatcher polls the host's network interfaces and reports when
// connectivity is restored or the active interfaces change, e.g. after a
// laptop wakes up or switches networks.
type NetWatcher struct {
	interval time.Duration
	list     InterfaceLister
}

func NewNetWatcher(interval time.Duration) *NetWatcher {
	if interval <= 0 {
		interval = defaultNetPollInterval
	}
	return &NetWatcher{interval: interval, list: psnet.InterfacesWithContext}
}

// Run polls until ctx is done, calling onRestored whenever a non-empty set
// of usable interfaces differs from the previous poll. The first poll only
// records the baseline. Listing errors are treated as no usable interfaces.
func (w *NetWatcher) Run(ctx context.Context, onRestored func()) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	prev := w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := w.poll(ctx)
		if cur != "" && cur != prev {
			onRestored()
		}
		prev = cur
	}
}

// poll returns a signature of the usable interfaces: up, not loopback, with
// at least one address.
func (w *NetWatcher) poll(ctx context.Context) string {
	ifaces, err := w.list(ctx)
	if err != nil {
		return ""
	}
	var parts []string
	for _, iface := range ifaces {
		if !usable(iface) {
			continue
		}
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
		slices.Sort(addrs)
		parts = append(parts, iface.Name+"="+strings.Join(addrs, ","))
	}
	slices.Sort(parts)
	return strings.Join(parts, ";")
}

func usable(iface psnet.InterfaceStat) bool {
	if len(iface.Addrs) == 0 {
		return false
	}
	return slices.Contains(iface.Flags, "up") && !slices.Contains(iface.Flags, "loopback")
}
