package tplink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

const (
	macAddress = "AA:BB:CC:DD:EE:FF"
	entryMAC   = "aa:bb:cc:dd:ee:ff"
	testHost   = "127.0.0.1"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func (s *syncBuffer) Reset() {
	s.mu.Lock()
	s.b.Reset()
	s.mu.Unlock()
}

// fakeDevice is an in-memory kasa.Device.
type fakeDevice struct {
	mu        sync.Mutex
	str       string
	host      string
	alias     string
	mac       string
	model     string
	id        string
	typ       kasa.DeviceType
	on        bool
	children  []kasa.Device
	features  map[string]*kasa.Feature
	modules   map[string]kasa.Module
	cfg       *kasa.DeviceConfig
	updateErr error
	updates   int
	closed    bool

	// When release is set, Update signals started and blocks until release
	// is closed.
	started chan struct{}
	release chan struct{}
}

var _ kasa.Device = (*fakeDevice)(nil)

func newPlug(alias string, features ...string) *fakeDevice {
	d := &fakeDevice{
		host:  testHost,
		alias: alias,
		mac:   macAddress,
		model: "HS110(EU)",
		id:    macAddress,
		typ:   kasa.TypePlug,
		on:    true,
	}
	d.features = map[string]*kasa.Feature{}
	for _, id := range append([]string{"state"}, features...) {
		d.addFeature(id)
	}
	return d
}

func newDimmer(alias string) (*fakeDevice, *fakeLight) {
	d := newPlug(alias)
	d.typ = kasa.TypeDimmer
	d.model = "HS220(US)"
	l := &fakeLight{brightness: 100, colorTemp: 2700}
	d.modules = map[string]kasa.Module{kasa.ModuleLight: l}
	return d, l
}

func newStrip(alias string, childAliases ...string) *fakeDevice {
	d := newPlug(alias)
	d.typ = kasa.TypeStrip
	d.model = "HS300(US)"
	for n, a := range childAliases {
		c := newPlug(a, "current_consumption")
		c.typ = kasa.TypeStripSocket
		c.id = fmt.Sprintf("%s_8006STRIP%02d", macAddress, n)
		d.children = append(d.children, c)
	}
	return d
}

func (d *fakeDevice) addFeature(id string) *kasa.Feature {
	var f *kasa.Feature
	switch id {
	case "state":
		f = &kasa.Feature{ID: id, Name: "State", Category: kasa.CategoryPrimary, Type: kasa.TypeSwitch,
			Getter: func() (any, error) { return d.IsOn(), nil },
			Setter: func(ctx context.Context, v any) error { return d.SetState(ctx, v.(bool)) }}
	case "led":
		on := true
		f = &kasa.Feature{ID: id, Name: "LED", Category: kasa.CategoryConfig, Type: kasa.TypeSwitch,
			Getter: func() (any, error) { return on, nil },
			Setter: func(_ context.Context, v any) error {
				on = v.(bool)
				return nil
			}}
	case "rssi":
		f = &kasa.Feature{ID: id, Name: "RSSI", Category: kasa.CategoryDebug, Type: kasa.TypeSensor, Unit: "dBm",
			Getter: func() (any, error) { return -52, nil }}
	case "current_consumption":
		f = &kasa.Feature{ID: id, Name: "Current consumption", Category: kasa.CategoryPrimary, Type: kasa.TypeSensor, Unit: "W",
			Getter: func() (any, error) { return 12.5, nil }}
	case "overheated":
		f = &kasa.Feature{ID: id, Name: "Overheated", Category: kasa.CategoryInfo, Type: kasa.TypeBinarySensor,
			Getter: func() (any, error) { return false, nil }}
	case "auto_off_minutes":
		v := 60.0
		f = &kasa.Feature{ID: id, Name: "Auto off minutes", Category: kasa.CategoryConfig, Type: kasa.TypeNumber, Min: 1, Max: 120,
			Getter: func() (any, error) { return v, nil },
			Setter: func(_ context.Context, nv any) error {
				v = nv.(float64)
				return nil
			}}
	default:
		panic("unknown feature " + id)
	}
	d.features[id] = f
	return f
}

func (d *fakeDevice) String() string {
	if d.str != "" {
		return d.str
	}
	return fmt.Sprintf("<%s at %s - %s>", d.typ, d.host, d.alias)
}

func (d *fakeDevice) Host() string                { return d.host }
func (d *fakeDevice) Alias() string               { return d.alias }
func (d *fakeDevice) MAC() string                 { return d.mac }
func (d *fakeDevice) Model() string               { return d.model }
func (d *fakeDevice) DeviceID() string            { return d.id }
func (d *fakeDevice) DeviceType() kasa.DeviceType { return d.typ }
func (d *fakeDevice) HWVersion() string           { return "1.0" }
func (d *fakeDevice) SWVersion() string           { return "1.0.3" }
func (d *fakeDevice) CredentialsHash() string     { return "" }
func (d *fakeDevice) Children() []kasa.Device     { return d.children }

func (d *fakeDevice) Config() *kasa.DeviceConfig {
	if d.cfg == nil {
		d.cfg = kasa.NewDeviceConfig(d.host)
	}
	return d.cfg
}

func (d *fakeDevice) Features() map[string]*kasa.Feature { return d.features }
func (d *fakeDevice) Modules() map[string]kasa.Module    { return d.modules }

func (d *fakeDevice) IsOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

func (d *fakeDevice) SetState(_ context.Context, on bool) error {
	d.mu.Lock()
	d.on = on
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Update(context.Context) error {
	if d.release != nil {
		d.started <- struct{}{}
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates++
	return d.updateErr
}

func (d *fakeDevice) setUpdateErr(err error) {
	d.mu.Lock()
	d.updateErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) updateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeLight struct {
	mu           sync.Mutex
	brightness   int
	colorTemp    int
	colorTempErr error
}

var _ kasa.Light = (*fakeLight)(nil)

func (l *fakeLight) Name() string               { return kasa.ModuleLight }
func (l *fakeLight) IsDimmable() bool           { return true }
func (l *fakeLight) IsVariableColorTemp() bool  { return true }
func (l *fakeLight) ColorTempRange() (int, int) { return 2500, 6500 }

func (l *fakeLight) Brightness() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.brightness, nil
}

func (l *fakeLight) ColorTemp() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.colorTempErr != nil {
		return 0, l.colorTempErr
	}
	return l.colorTemp, nil
}

func (l *fakeLight) SetBrightness(_ context.Context, v int) error {
	l.mu.Lock()
	l.brightness = v
	l.mu.Unlock()
	return nil
}

func (l *fakeLight) SetColorTemp(_ context.Context, k int) error {
	l.mu.Lock()
	l.colorTemp = k
	l.mu.Unlock()
	return nil
}

func (l *fakeLight) setColorTempErr(err error) {
	l.mu.Lock()
	l.colorTempErr = err
	l.mu.Unlock()
}

// fakeClient serves a fixed device to Connect and canned discovery results.
type fakeClient struct {
	mu         sync.Mutex
	dev        kasa.Device
	connectErr error
	lastConfig *kasa.DeviceConfig
	connects   int
	discovered map[string]kasa.Device
	single     map[string]kasa.Device
	discovers  int
	singles    int
}

func (c *fakeClient) Connect(_ context.Context, cfg *kasa.DeviceConfig) (kasa.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	cp := *cfg
	c.lastConfig = &cp
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.dev, nil
}

func (c *fakeClient) Discover(context.Context, string, kasa.DiscoverOptions) (map[string]kasa.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovers++
	return c.discovered, nil
}

func (c *fakeClient) DiscoverSingle(_ context.Context, host string, _ kasa.DiscoverOptions) (kasa.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singles++
	if d, ok := c.single[host]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: no reply from %s", kasa.ErrTimeout, host)
}

func (c *fakeClient) set(dev kasa.Device, err error) {
	c.mu.Lock()
	c.dev, c.connectErr = dev, err
	c.mu.Unlock()
}

func (c *fakeClient) config() *kasa.DeviceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConfig
}

func (c *fakeClient) counts() (discovers, singles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovers, c.singles
}

type testEnv struct {
	hub    *platform.Hub
	clock  *clock.Mock
	logs   *syncBuffer
	client *fakeClient
	integ  *Integration
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newSeededEnv(t, nil, opts...)
}

// newSeededEnv lets seed write records the hub loads at start, including
// ones its registries would refuse to create.
func newSeededEnv(t *testing.T, seed func(st store.Store), opts ...Option) *testEnv {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if seed != nil {
		seed(st)
	}

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mc := clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	hub, err := platform.New(st, logger, platform.WithClock(mc))
	require.NoError(t, err)

	client := &fakeClient{}
	opts = append([]Option{WithBroadcastAddresses(func() ([]string, error) {
		return []string{"255.255.255.255"}, nil
	})}, opts...)
	integ := New(hub, client, logger, opts...)
	t.Cleanup(func() { hub.Stop(context.Background()) })

	return &testEnv{hub: hub, clock: mc, logs: logs, client: client, integ: integ}
}

func (e *testEnv) addEntry(t *testing.T, data map[string]any) *platform.ConfigEntry {
	t.Helper()
	if data == nil {
		data = map[string]any{ConfHost: testHost}
	}
	entry, err := e.hub.Entries.Add(store.ConfigEntry{
		Domain:       Domain,
		Title:        "my_plug",
		UniqueID:     entryMAC,
		Version:      VersionMajor,
		MinorVersion: VersionMinor,
		Data:         data,
	})
	require.NoError(t, err)
	return entry
}

// setup adds an entry for dev and sets it up.
func (e *testEnv) setup(t *testing.T, dev kasa.Device) *platform.ConfigEntry {
	t.Helper()
	e.client.set(dev, nil)
	entry := e.addEntry(t, nil)
	require.NoError(t, e.hub.Entries.Setup(context.Background(), entry.EntryID))
	return entry
}

// tick advances the clock and waits for the work it triggered.
func (e *testEnv) tick(d time.Duration) {
	e.clock.Advance(d)
	e.hub.BlockTillDone()
}

func (e *testEnv) state(t *testing.T, entityID string) string {
	t.Helper()
	st, ok := e.hub.States.Get(entityID)
	require.True(t, ok, "no state for %s", entityID)
	return st.State
}
