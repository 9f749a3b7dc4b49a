package kasa

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConnectPlug(t *testing.T) {
	var mu sync.Mutex
	relay := 1
	dev := newFakeDevice(t, func(req map[string]any) map[string]any {
		mu.Lock()
		defer mu.Unlock()
		out := map[string]any{}
		if sys, ok := req["system"].(map[string]any); ok {
			if set, ok := sys["set_relay_state"].(map[string]any); ok {
				relay = int(set["state"].(float64))
				out["system"] = map[string]any{"set_relay_state": map[string]any{"err_code": 0}}
			} else {
				info := plugInfo()
				info["relay_state"] = relay
				out["system"] = map[string]any{"get_sysinfo": info}
			}
		}
		if _, ok := req["emeter"]; ok {
			out["emeter"] = map[string]any{"get_realtime": map[string]any{"power_mw": 12500, "voltage_mv": 230100, "total_wh": 4200, "err_code": 0}}
		}
		return out
	})

	ctx := context.Background()
	d, err := testClient().Connect(ctx, dev.config())
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "My Plug", d.Alias())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.MAC())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.DeviceID())
	assert.Equal(t, TypePlug, d.DeviceType())
	assert.True(t, d.IsOn())
	assert.Empty(t, d.Modules())

	fs := d.Features()
	for _, id := range []string{"state", "led", "rssi", "current_consumption", "voltage", "consumption_total"} {
		assert.Contains(t, fs, id)
	}
	assert.Equal(t, CategoryConfig, fs["led"].Category)
	assert.Equal(t, CategoryDebug, fs["rssi"].Category)

	w, err := fs["current_consumption"].Value()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, w, 0.001)

	require.NoError(t, d.SetState(ctx, false))
	assert.False(t, d.IsOn())

	require.NoError(t, d.Update(ctx))
	assert.False(t, d.IsOn())

	// Later updates fetch the meter along with sysinfo.
	reqs := dev.requests()
	last := reqs[len(reqs)-1]
	assert.Contains(t, last, "emeter")
	assert.Contains(t, last, "system")
}

func TestConnectStrip(t *testing.T) {
	info := map[string]any{
		"alias":    "Power strip",
		"model":    "HS300(US)",
		"mac":      "C0:06:C3:42:54:2B",
		"deviceId": "8006STRIP",
		"type":     "IOT.SMARTPLUGSWITCH",
		"feature":  "TIM:ENE",
		"led_off":  0,
		"children": []map[string]any{
			{"id": "8006STRIP00", "state": 1, "alias": "Lamp"},
			{"id": "8006STRIP01", "state": 0, "alias": ""},
		},
	}
	var mu sync.Mutex
	var childMeter []string
	dev := newFakeDevice(t, func(req map[string]any) map[string]any {
		if _, ok := req["emeter"]; ok {
			ids := req["context"].(map[string]any)["child_ids"].([]any)
			mu.Lock()
			childMeter = append(childMeter, ids[0].(string))
			mu.Unlock()
			return map[string]any{"emeter": map[string]any{"get_realtime": map[string]any{"power": 3.5, "err_code": 0}}}
		}
		return sysinfoResponse(info)
	})

	d, err := testClient().Connect(context.Background(), dev.config())
	require.NoError(t, err)

	assert.Equal(t, TypeStrip, d.DeviceType())
	assert.True(t, d.IsOn())
	assert.NotContains(t, d.Features(), "current_consumption")

	children := d.Children()
	require.Len(t, children, 2)
	assert.Equal(t, "C0:06:C3:42:54:2B_8006STRIP00", children[0].DeviceID())
	assert.Equal(t, TypeStripSocket, children[0].DeviceType())
	assert.Equal(t, "Lamp", children[0].Alias())
	assert.Equal(t, d.MAC(), children[1].MAC())
	assert.True(t, children[0].IsOn())
	assert.False(t, children[1].IsOn())

	w, err := children[1].Features()["current_consumption"].Value()
	require.NoError(t, err)
	assert.InDelta(t, 3.5, w, 0.001)
	assert.NotContains(t, children[0].Features(), "led")

	mu.Lock()
	assert.ElementsMatch(t, []string{"8006STRIP00", "8006STRIP01"}, childMeter)
	mu.Unlock()
}

func TestConnectBulb(t *testing.T) {
	info := map[string]any{
		"alias":                  "Desk",
		"model":                  "KL130(US)",
		"mic_mac":                "1C3BF3000001",
		"deviceId":               "8012BULB",
		"mic_type":               "IOT.SMARTBULB",
		"is_dimmable":            1,
		"is_variable_color_temp": 1,
		"light_state": map[string]any{
			"on_off":       0,
			"dft_on_state": map[string]any{"on_off": 1, "brightness": 40, "color_temp": 3000},
		},
	}
	dev := newFakeDevice(t, func(req map[string]any) map[string]any {
		if svc, ok := req[bulbService].(map[string]any); ok {
			st := svc["transition_light_state"].(map[string]any)
			return map[string]any{bulbService: map[string]any{"transition_light_state": map[string]any{
				"on_off": 1, "brightness": st["brightness"], "color_temp": 3000, "err_code": 0,
			}}}
		}
		return sysinfoResponse(info)
	})

	ctx := context.Background()
	d, err := testClient().Connect(ctx, dev.config())
	require.NoError(t, err)

	assert.Equal(t, TypeBulb, d.DeviceType())
	assert.Equal(t, "1C3BF3000001", d.MAC())
	assert.False(t, d.IsOn())

	light, ok := d.Modules()[ModuleLight].(Light)
	require.True(t, ok)
	b, err := light.Brightness()
	require.NoError(t, err)
	assert.Equal(t, 40, b)
	ct, err := light.ColorTemp()
	require.NoError(t, err)
	assert.Equal(t, 3000, ct)

	require.NoError(t, light.SetBrightness(ctx, 80))
	assert.True(t, d.IsOn())
	b, _ = light.Brightness()
	assert.Equal(t, 80, b)

	assert.ErrorIs(t, light.SetColorTemp(ctx, 9000), ErrDevice)
	assert.Contains(t, d.Features(), "brightness")
}

func TestDimmerHasNoColorTemp(t *testing.T) {
	info := plugInfo()
	info["model"] = "HS220(US)"
	info["brightness"] = 55
	delete(info, "feature")
	dev := newFakeDevice(t, func(map[string]any) map[string]any { return sysinfoResponse(info) })

	d, err := testClient().Connect(context.Background(), dev.config())
	require.NoError(t, err)

	assert.Equal(t, TypeDimmer, d.DeviceType())
	light := d.Modules()[ModuleLight].(Light)
	assert.False(t, light.IsVariableColorTemp())
	_, err = light.ColorTemp()
	assert.ErrorIs(t, err, ErrNotSupported)
	b, err := light.Brightness()
	require.NoError(t, err)
	assert.Equal(t, 55, b)
}

func TestConnectNeedsCredentials(t *testing.T) {
	cfg := NewDeviceConfig("127.0.0.1")
	cfg.ConnectionType = ConnectionType{DeviceFamily: "SMART.TAPOPLUG", EncryptionType: EncryptKLAP}

	_, err := testClient().Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, ErrDevice)

	cfg.Credentials = &Credentials{Username: "u", Password: "p"}
	_, err = testClient().Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.NotErrorIs(t, err, ErrAuthentication)
}

func TestDiscover(t *testing.T) {
	port := fakeResponder(t, plugInfo())
	c := testClient()
	opts := DiscoverOptions{Port: port, Timeout: 300 * time.Millisecond}

	found, err := c.Discover(context.Background(), "127.0.0.1", opts)
	require.NoError(t, err)
	require.Contains(t, found, "127.0.0.1")
	d := found["127.0.0.1"]
	assert.Equal(t, "My Plug", d.Alias())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.MAC())
	assert.Equal(t, port, d.Config().Port)
	assert.Equal(t, "IOT.SMARTPLUGSWITCH", d.Config().ConnectionType.DeviceFamily)

	single, err := c.DiscoverSingle(context.Background(), "127.0.0.1", opts)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", single.DeviceID())
}

func TestDiscoverSingleByName(t *testing.T) {
	port := fakeResponder(t, plugInfo())
	opts := DiscoverOptions{Port: port, Timeout: 300 * time.Millisecond}

	d, err := testClient().DiscoverSingle(context.Background(), "localhost", opts)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.DeviceID())
	assert.Equal(t, "localhost", d.Host())

	_, err = testClient().DiscoverSingle(context.Background(), "no-such-host.invalid", opts)
	assert.ErrorIs(t, err, ErrDevice)
}
