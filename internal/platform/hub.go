// Package platform is the host side of the home hub: config entries and
// their lifecycle, the entity and device registries, flows, entity states,
// and scheduling on an injectable clock.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/store"
)

var (
	// ErrNotReady is returned by SetupEntry when the device is temporarily
	// unreachable. The entry is retried in the background.
	ErrNotReady = errors.New("config entry not ready")
	// ErrAuthFailed is returned by SetupEntry when credentials are rejected.
	// The entry needs a reauth flow before it can load.
	ErrAuthFailed = errors.New("config entry authentication failed")

	ErrUnknownEntry        = errors.New("unknown config entry")
	ErrUnknownEntity       = errors.New("unknown entity")
	ErrUnknownIntegration  = errors.New("unknown integration")
	ErrUnknownFlow         = errors.New("unknown flow")
	ErrServiceNotSupported = errors.New("service not supported")
	ErrIdentifierConflict  = errors.New("identifier already registered to another device")
)

// Integration is implemented by every device integration hosted by the hub.
type Integration interface {
	Domain() string
	// Version is the config entry schema version the integration writes.
	Version() (major, minor int)
	// Setup runs once when the integration is started, before its entries.
	Setup(ctx context.Context) error
	SetupEntry(ctx context.Context, entry *ConfigEntry) error
	UnloadEntry(ctx context.Context, entry *ConfigEntry) error
	// MigrateEntry upgrades an entry written by an older version. It reports
	// false when the entry cannot be migrated.
	MigrateEntry(ctx context.Context, entry *ConfigEntry) (bool, error)
}

// Shutdowner is implemented by integrations that run work of their own,
// such as periodic discovery, beyond their entries.
type Shutdowner interface {
	Shutdown()
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock replaces the wall clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// Hub ties the registries, entries and integrations together.
type Hub struct {
	logger *slog.Logger
	clock  clock.Clock
	store  store.Store

	Bus      *EventBus
	Entries  *EntryManager
	Entities *EntityRegistry
	Devices  *DeviceRegistry
	Flows    *FlowManager
	States   *StateMachine

	mu           sync.RWMutex
	integrations map[string]Integration
	data         map[string]map[string]any
	live         map[string]Entity
	entryEntity  map[string][]string

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New creates a hub backed by st and loads persisted entries and registries.
func New(st store.Store, logger *slog.Logger, opts ...Option) (*Hub, error) {
	h := &Hub{
		logger:       logger.With("component", "hub"),
		clock:        clock.Real{},
		store:        st,
		integrations: make(map[string]Integration),
		data:         make(map[string]map[string]any),
		live:         make(map[string]Entity),
		entryEntity:  make(map[string][]string),
	}
	for _, o := range opts {
		o(h)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.Bus = NewEventBus(logger.With("component", "events"))
	h.States = newStateMachine(h.clock, h.Bus)
	h.Entities = newEntityRegistry(st, h.Bus, h.clock)
	h.Devices = newDeviceRegistry(st, h.Bus, h.clock)
	h.Flows = newFlowManager(h, logger.With("component", "flows"))
	h.Entries = newEntryManager(h, logger.With("component", "entries"))

	if err := h.Entities.load(); err != nil {
		return nil, fmt.Errorf("load entity registry: %w", err)
	}
	if err := h.Devices.load(); err != nil {
		return nil, fmt.Errorf("load device registry: %w", err)
	}
	if err := h.Entries.load(); err != nil {
		return nil, fmt.Errorf("load config entries: %w", err)
	}
	return h, nil
}

// Clock returns the hub time source.
func (h *Hub) Clock() clock.Clock { return h.clock }

// Logger returns the hub root logger.
func (h *Hub) Logger() *slog.Logger { return h.logger }

// Register makes an integration available to config entries of its domain.
func (h *Hub) Register(i Integration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.integrations[i.Domain()] = i
}

// Integration looks up a registered integration.
func (h *Hub) Integration(domain string) (Integration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i, ok := h.integrations[domain]
	return i, ok
}

// SetData stores a value shared by everything in an integration domain.
func (h *Hub) SetData(domain, key string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data[domain] == nil {
		h.data[domain] = make(map[string]any)
	}
	h.data[domain][key] = v
}

// Data returns a value stored with SetData.
func (h *Hub) Data(domain, key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.data[domain][key]
	return v, ok
}

// SetupIntegration starts an integration and then sets up all of its entries.
func (h *Hub) SetupIntegration(ctx context.Context, domain string) error {
	integ, ok := h.Integration(domain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, domain)
	}
	if err := integ.Setup(ctx); err != nil {
		return fmt.Errorf("setup %s: %w", domain, err)
	}
	for _, e := range h.Entries.List(domain) {
		if err := h.Entries.Setup(ctx, e.EntryID); err != nil {
			h.logger.Error("setup entry", "entry", e.EntryID, "err", err)
		}
	}
	return nil
}

// BackgroundTask runs fn on its own goroutine with the hub context.
func (h *Hub) BackgroundTask(name string, fn func(ctx context.Context)) {
	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("background task panic", "task", name, "panic", r)
			}
		}()
		fn(h.ctx)
	}()
}

// BlockTillDone waits for every running background task.
func (h *Hub) BlockTillDone() {
	h.tasks.Wait()
}

// TrackInterval runs fn as a background task every interval until the
// returned cancel func is called.
func (h *Hub) TrackInterval(name string, every time.Duration, fn func(ctx context.Context)) (cancel func()) {
	var (
		mu      sync.Mutex
		timer   clock.Timer
		stopped bool
	)
	var arm func()
	arm = func() {
		timer = h.clock.AfterFunc(every, func() {
			mu.Lock()
			if stopped {
				mu.Unlock()
				return
			}
			arm()
			mu.Unlock()
			h.BackgroundTask(name, fn)
		})
	}

	mu.Lock()
	arm()
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		timer.Stop()
	}
}

// Stop unloads every loaded entry and waits for background work to finish.
func (h *Hub) Stop(ctx context.Context) {
	for _, e := range h.Entries.List("") {
		if err := h.Entries.Unload(ctx, e.EntryID); err != nil {
			h.logger.Warn("unload entry", "entry", e.EntryID, "err", err)
		}
	}
	h.mu.RLock()
	var downs []Shutdowner
	for _, i := range h.integrations {
		if s, ok := i.(Shutdowner); ok {
			downs = append(downs, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range downs {
		s.Shutdown()
	}
	h.cancel()
	h.tasks.Wait()
}
