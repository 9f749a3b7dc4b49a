package tplink

import (
	"context"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

func (i *Integration) discover(ctx context.Context) {
	found := i.discoverDevices(ctx)
	i.handleDiscovered(found)
}

// discoverDevices broadcasts on every local network and probes the static
// hosts plus the host of every configured entry. Results are keyed by
// formatted MAC.
func (i *Integration) discoverDevices(ctx context.Context) map[string]kasa.Device {
	addrs, err := i.broadcastAddrs()
	if err != nil {
		i.logger.Warn("list broadcast addresses", "err", err)
	}
	opts := kasa.DiscoverOptions{
		Timeout:        DiscoveryTimeout,
		ConnectTimeout: ConnectTimeout,
		Credentials:    i.credentials(),
	}

	var (
		mu    sync.Mutex
		found = make(map[string]kasa.Device)
	)
	add := func(devs ...kasa.Device) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range devs {
			found[platform.FormatMAC(d.MAC())] = d
		}
	}

	var g errgroup.Group
	for _, addr := range addrs {
		g.Go(func() error {
			devs, err := i.client.Discover(ctx, addr, opts)
			if err != nil {
				i.logger.Debug("discovery failed", "target", addr, "err", err)
				return nil
			}
			add(slices.Collect(maps.Values(devs))...)
			return nil
		})
	}
	hosts := slices.Clone(i.hosts)
	for _, e := range i.hub.Entries.List(Domain) {
		if host := e.String(ConfHost); host != "" && !slices.Contains(hosts, host) {
			hosts = append(hosts, host)
		}
	}
	for _, host := range hosts {
		g.Go(func() error {
			dev, err := i.client.DiscoverSingle(ctx, host, opts)
			if err != nil {
				i.logger.Debug("discovery failed", "host", host, "err", err)
				return nil
			}
			add(dev)
			return nil
		})
	}
	g.Wait()
	return found
}

// handleDiscovered follows configured devices to their new address and
// offers unknown devices for setup.
func (i *Integration) handleDiscovered(found map[string]kasa.Device) {
	for _, mac := range slices.Sorted(maps.Keys(found)) {
		dev := found[mac]
		if entry, ok := i.hub.Entries.ByUniqueID(Domain, mac); ok {
			i.updateHost(entry, dev.Host())
			continue
		}

		alias := dev.Alias()
		if alias == "" {
			alias = MACAlias(mac)
		}
		i.hub.Flows.Start(Domain, platform.SourceIntegrationDiscovery, "", mac, map[string]any{
			ConfAlias:        alias,
			ConfHost:         dev.Host(),
			ConfMAC:          mac,
			ConfModel:        dev.Model(),
			ConfDeviceConfig: dev.Config().ToMap(dev.CredentialsHash()),
		})
	}
}

func (i *Integration) updateHost(entry *platform.ConfigEntry, host string) {
	if host == "" || entry.String(ConfHost) == host {
		return
	}
	data := entry.DataCopy()
	data[ConfHost] = host
	if _, err := i.hub.Entries.Update(entry, platform.EntryUpdate{Data: data}); err != nil {
		i.logger.Error("update entry host", "entry", entry.Title(), "err", err)
		return
	}
	i.logger.Info("device moved to a new address", "entry", entry.Title(), "host", host)
	switch entry.State() {
	case platform.EntryLoaded, platform.EntrySetupRetry:
		i.hub.Entries.ScheduleReload(entry.EntryID)
	}
}
