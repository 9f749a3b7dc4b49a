package tplink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

// Client is what the integration needs from the device library.
type Client interface {
	kasa.Connector
	kasa.Discoverer
}

// Option configures an Integration.
type Option func(*Integration)

// WithBroadcastAddresses replaces the interface scan used for discovery.
func WithBroadcastAddresses(fn func() ([]string, error)) Option {
	return func(i *Integration) { i.broadcastAddrs = fn }
}

// WithDiscoveryInterval sets how often discovery repeats.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(i *Integration) { i.discoveryInterval = d }
}

// WithHosts adds addresses probed on every discovery round, for devices
// that do not answer broadcasts.
func WithHosts(hosts ...string) Option {
	return func(i *Integration) { i.hosts = append(i.hosts, hosts...) }
}

// Integration is the tplink integration.
type Integration struct {
	hub    *platform.Hub
	client Client
	logger *slog.Logger

	broadcastAddrs    func() ([]string, error)
	discoveryInterval time.Duration
	hosts             []string

	mu              sync.Mutex
	cancelDiscovery func()
}

var (
	_ platform.Integration = (*Integration)(nil)
	_ platform.FlowHandler = (*Integration)(nil)
	_ platform.Shutdowner  = (*Integration)(nil)
)

// New creates the integration and registers it with the hub.
func New(hub *platform.Hub, client Client, logger *slog.Logger, opts ...Option) *Integration {
	i := &Integration{
		hub:               hub,
		client:            client,
		logger:            logger.With("component", Domain),
		broadcastAddrs:    platform.BroadcastAddresses,
		discoveryInterval: DiscoveryInterval,
	}
	for _, o := range opts {
		o(i)
	}
	hub.Register(i)
	return i
}

func (i *Integration) Domain() string { return Domain }

func (i *Integration) Version() (int, int) { return VersionMajor, VersionMinor }

// Setup runs a first discovery round in the background and schedules the
// periodic ones.
func (i *Integration) Setup(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelDiscovery != nil {
		return nil
	}
	i.hub.BackgroundTask("tplink first discovery", i.discover)
	i.cancelDiscovery = i.hub.TrackInterval("tplink discovery", i.discoveryInterval, i.discover)
	return nil
}

// Shutdown stops periodic discovery.
func (i *Integration) Shutdown() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelDiscovery != nil {
		i.cancelDiscovery()
		i.cancelDiscovery = nil
	}
}

// SetCredentials stores the account used for devices that require login.
func (i *Integration) SetCredentials(username, password string) {
	i.hub.SetData(Domain, ConfAuthentication, kasa.Credentials{Username: username, Password: password})
}

func (i *Integration) credentials() *kasa.Credentials {
	v, ok := i.hub.Data(Domain, ConfAuthentication)
	if !ok {
		return nil
	}
	c, ok := v.(kasa.Credentials)
	if !ok {
		return nil
	}
	return &c
}
