// Package platformtest provides a hub backed by a temporary store and a demo
// integration with scriptable entities.
package platformtest

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

// Domain is the config entry domain of the demo integration.
const Domain = "demo"

// SyncBuffer is a goroutine-safe log sink.
type SyncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *SyncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *SyncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// Hub wraps a platform hub with its mock clock and captured logs.
type Hub struct {
	*platform.Hub
	Clock  *clock.Mock
	Logs   *SyncBuffer
	Logger *slog.Logger

	once  sync.Once
	integ *integration
}

// NewHub starts an empty hub. It is stopped when the test ends.
func NewHub(t testing.TB) *Hub {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logs := &SyncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mc := clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	h, err := platform.New(st, logger, platform.WithClock(mc))
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop(context.Background()) })

	return &Hub{Hub: h, Clock: mc, Logs: logs, Logger: logger}
}

// Load creates a demo config entry owning entities and sets it up.
func (h *Hub) Load(t testing.TB, title string, entities ...platform.Entity) *platform.ConfigEntry {
	t.Helper()
	h.once.Do(func() {
		h.integ = &integration{hub: h.Hub, pending: make(map[string][]platform.Entity)}
		h.Register(h.integ)
	})

	entry, err := h.Entries.Add(store.ConfigEntry{
		Domain:       Domain,
		Title:        title,
		Version:      1,
		MinorVersion: 1,
	})
	require.NoError(t, err)

	h.integ.mu.Lock()
	h.integ.pending[entry.EntryID] = entities
	h.integ.mu.Unlock()

	require.NoError(t, h.Entries.Setup(context.Background(), entry.EntryID))
	require.Equal(t, platform.EntryLoaded, entry.State(), entry.Reason())
	for _, e := range entities {
		if d, ok := e.(*Entity); ok {
			d.attach(h.Hub)
		}
	}
	return entry
}

type integration struct {
	hub     *platform.Hub
	mu      sync.Mutex
	pending map[string][]platform.Entity
}

func (i *integration) Domain() string              { return Domain }
func (i *integration) Version() (int, int)         { return 1, 1 }
func (i *integration) Setup(context.Context) error { return nil }

func (i *integration) SetupEntry(_ context.Context, e *platform.ConfigEntry) error {
	i.mu.Lock()
	entities := i.pending[e.EntryID]
	i.mu.Unlock()
	return i.hub.AddEntities(e, entities)
}

func (i *integration) UnloadEntry(context.Context, *platform.ConfigEntry) error { return nil }

// HandleFlow creates an unloaded entry named by the "title" input.
func (i *integration) HandleFlow(_ context.Context, _ *platform.Flow, input map[string]any) (platform.FlowResult, error) {
	title, _ := input["title"].(string)
	if title == "" {
		return platform.FlowResult{Type: platform.ResultForm, Errors: map[string]string{"title": "required"}}, nil
	}
	e, err := i.hub.Entries.Add(store.ConfigEntry{Domain: Domain, Title: title, Version: 1, MinorVersion: 1})
	if err != nil {
		return platform.FlowResult{}, err
	}
	return platform.FlowResult{Type: platform.ResultCreateEntry, EntryID: e.EntryID}, nil
}

func (i *integration) MigrateEntry(context.Context, *platform.ConfigEntry) (bool, error) {
	return true, nil
}

// Call is a service invocation recorded by an Entity.
type Call struct {
	Service string
	Data    map[string]any
}

// Entity is a demo entity whose state is set by the test. It accepts every
// service and records the calls it receives.
type Entity struct {
	platform.EntityBase

	domain   string
	uniqueID string
	name     string
	category platform.EntityCategory
	device   *platform.DeviceInfo

	mu        sync.Mutex
	hub       *platform.Hub
	state     string
	attrs     map[string]any
	available bool
	calls     []Call
}

// NewEntity creates an available entity in the given domain.
func NewEntity(domain, uniqueID, name, state string, attrs map[string]any) *Entity {
	return &Entity{
		domain:    domain,
		uniqueID:  uniqueID,
		name:      name,
		state:     state,
		attrs:     attrs,
		available: true,
		device: &platform.DeviceInfo{
			Identifiers:  []store.Identifier{{Domain: Domain, ID: uniqueID}},
			Name:         "Demo " + uniqueID,
			Manufacturer: "Demo",
			Model:        "D1",
		},
	}
}

// WithCategory sets the entity category.
func (e *Entity) WithCategory(c platform.EntityCategory) *Entity {
	e.category = c
	return e
}

func (e *Entity) attach(h *platform.Hub) {
	e.mu.Lock()
	e.hub = h
	e.mu.Unlock()
}

func (e *Entity) Domain() string                          { return e.domain }
func (e *Entity) UniqueID() string                        { return e.uniqueID }
func (e *Entity) Name() string                            { return e.name }
func (e *Entity) EntityCategory() platform.EntityCategory { return e.category }
func (e *Entity) EnabledByDefault() bool                  { return true }
func (e *Entity) DeviceInfo() *platform.DeviceInfo        { return e.device }

func (e *Entity) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available
}

func (e *Entity) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entity) Attributes() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.attrs)
}

// Set changes the entity's state and writes it to the hub.
func (e *Entity) Set(state string, attrs map[string]any) {
	e.mu.Lock()
	e.state = state
	if attrs != nil {
		e.attrs = attrs
	}
	e.available = true
	h := e.hub
	e.mu.Unlock()
	if h != nil {
		h.WriteState(e)
	}
}

// SetAvailable flips availability and writes the state.
func (e *Entity) SetAvailable(ok bool) {
	e.mu.Lock()
	e.available = ok
	h := e.hub
	e.mu.Unlock()
	if h != nil {
		h.WriteState(e)
	}
}

// Calls returns the services invoked so far.
func (e *Entity) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

func (e *Entity) record(service string, data map[string]any) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Service: service, Data: data})
	e.mu.Unlock()
}

func (e *Entity) TurnOn(_ context.Context, data map[string]any) error {
	e.record(platform.ServiceTurnOn, data)
	e.Set(platform.StateOn, nil)
	return nil
}

func (e *Entity) TurnOff(_ context.Context, data map[string]any) error {
	e.record(platform.ServiceTurnOff, data)
	e.Set(platform.StateOff, nil)
	return nil
}

func (e *Entity) SetValue(_ context.Context, v float64) error {
	e.record(platform.ServiceSetValue, map[string]any{"value": v})
	e.Set(formatFloat(v), nil)
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
