package kasa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type sysInfo struct {
	Alias               string      `json:"alias"`
	Model               string      `json:"model"`
	MAC                 string      `json:"mac"`
	MicMAC              string      `json:"mic_mac"`
	DeviceID            string      `json:"deviceId"`
	HWVer               string      `json:"hw_ver"`
	SWVer               string      `json:"sw_ver"`
	Type                string      `json:"type"`
	MicType             string      `json:"mic_type"`
	Feature             string      `json:"feature"`
	RelayState          *int        `json:"relay_state"`
	LEDOff              *int        `json:"led_off"`
	RSSI                *int        `json:"rssi"`
	Brightness          *int        `json:"brightness"`
	IsDimmable          int         `json:"is_dimmable"`
	IsVariableColorTemp int         `json:"is_variable_color_temp"`
	LightState          *lightState `json:"light_state"`
	Children            []childInfo `json:"children"`
}

type childInfo struct {
	ID    string `json:"id"`
	State int    `json:"state"`
	Alias string `json:"alias"`
}

type lightState struct {
	OnOff      int         `json:"on_off"`
	Brightness int         `json:"brightness"`
	ColorTemp  int         `json:"color_temp"`
	DftOnState *lightState `json:"dft_on_state,omitempty"`
}

type realtime struct {
	PowerMW   *float64 `json:"power_mw"`
	Power     *float64 `json:"power"`
	VoltageMV *float64 `json:"voltage_mv"`
	Voltage   *float64 `json:"voltage"`
	TotalWH   *float64 `json:"total_wh"`
	Total     *float64 `json:"total"`
}

func pick(milli, base *float64, scale float64) float64 {
	if milli != nil {
		return *milli / scale
	}
	if base != nil {
		return *base
	}
	return 0
}

func (r *realtime) watts() float64 { return pick(r.PowerMW, r.Power, 1000) }
func (r *realtime) volts() float64 { return pick(r.VoltageMV, r.Voltage, 1000) }
func (r *realtime) kwh() float64   { return pick(r.TotalWH, r.Total, 1000) }

// iotDevice is a device, or one outlet of a strip when parent is set.
type iotDevice struct {
	proto  *protocol
	cfg    *DeviceConfig
	parent *iotDevice

	mu       sync.RWMutex
	childID  string
	info     sysInfo
	emeter   *realtime
	updated  bool
	children []*iotDevice
	features map[string]*Feature
	light    *iotLight
}

var _ Device = (*iotDevice)(nil)

func newIOTDevice(cfg *DeviceConfig) *iotDevice {
	return &iotDevice{proto: newProtocol(cfg), cfg: cfg}
}

func (d *iotDevice) root() *iotDevice {
	if d.parent != nil {
		return d.parent
	}
	return d
}

func (d *iotDevice) sys() sysInfo {
	r := d.root()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (d *iotDevice) child() childInfo {
	for _, c := range d.sys().Children {
		if c.ID == d.childID {
			return c
		}
	}
	return childInfo{ID: d.childID}
}

func (d *iotDevice) String() string {
	return fmt.Sprintf("<%s %s at %s - %s>", d.DeviceType(), d.Model(), d.Host(), d.Alias())
}

func (d *iotDevice) Host() string { return d.cfg.Host }

func (d *iotDevice) Alias() string {
	if d.parent != nil {
		return d.child().Alias
	}
	return d.sys().Alias
}

func (d *iotDevice) MAC() string {
	s := d.sys()
	if s.MAC != "" {
		return s.MAC
	}
	return s.MicMAC
}

func (d *iotDevice) Model() string { return d.sys().Model }

// DeviceID is the MAC for a device and "<mac>_<child id>" for an outlet.
func (d *iotDevice) DeviceID() string {
	if d.parent != nil {
		return d.MAC() + "_" + d.childID
	}
	return d.MAC()
}

func (d *iotDevice) HWVersion() string { return d.sys().HWVer }
func (d *iotDevice) SWVersion() string { return d.sys().SWVer }

func (d *iotDevice) Config() *DeviceConfig  { return d.cfg }
func (d *iotDevice) CredentialsHash() string { return "" }

func (d *iotDevice) DeviceType() DeviceType {
	if d.parent != nil {
		return TypeStripSocket
	}
	s := d.sys()
	kind := strings.ToUpper(s.Type + " " + s.MicType)
	switch {
	case strings.Contains(kind, "LIGHTSTRIP"):
		return TypeLightStrip
	case strings.Contains(kind, "SMARTBULB"):
		return TypeBulb
	case len(s.Children) > 0:
		return TypeStrip
	case s.Brightness != nil:
		return TypeDimmer
	case strings.Contains(kind, "SMARTPLUG") && strings.HasPrefix(s.Model, "HS2"):
		return TypeWallSwitch
	case strings.Contains(kind, "SMARTPLUG"):
		return TypePlug
	}
	return TypeUnknownDev
}

func (d *iotDevice) isLight() bool {
	switch d.DeviceType() {
	case TypeBulb, TypeLightStrip, TypeDimmer:
		return true
	}
	return false
}

func (d *iotDevice) hasEmeter() bool {
	return strings.Contains(d.sys().Feature, "ENE")
}

func (d *iotDevice) Children() []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Device, len(d.children))
	for i, c := range d.children {
		out[i] = c
	}
	return out
}

func (d *iotDevice) Features() map[string]*Feature {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*Feature, len(d.features))
	for k, f := range d.features {
		out[k] = f
	}
	return out
}

func (d *iotDevice) Modules() map[string]Module {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mods := map[string]Module{}
	if d.light != nil {
		mods[ModuleLight] = d.light
	}
	return mods
}

func (d *iotDevice) IsOn() bool {
	if d.parent != nil {
		return d.child().State == 1
	}
	s := d.sys()
	switch {
	case len(s.Children) > 0:
		for _, c := range s.Children {
			if c.State == 1 {
				return true
			}
		}
		return false
	case s.LightState != nil:
		return s.LightState.OnOff == 1
	case s.RelayState != nil:
		return *s.RelayState == 1
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *iotDevice) SetState(ctx context.Context, on bool) error {
	if d.light != nil && d.DeviceType() != TypeDimmer {
		return d.light.transition(ctx, map[string]any{"on_off": boolInt(on)})
	}
	req := map[string]any{"system": map[string]any{"set_relay_state": map[string]any{"state": boolInt(on)}}}
	if d.parent != nil {
		req["context"] = map[string]any{"child_ids": []string{d.childID}}
	}
	if _, err := d.root().proto.query(ctx, req); err != nil {
		return err
	}

	r := d.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case d.parent != nil:
		for i := range r.info.Children {
			if r.info.Children[i].ID == d.childID {
				r.info.Children[i].State = boolInt(on)
			}
		}
	case len(r.info.Children) > 0:
		for i := range r.info.Children {
			r.info.Children[i].State = boolInt(on)
		}
	default:
		st := boolInt(on)
		r.info.RelayState = &st
	}
	return nil
}

func (d *iotDevice) setLED(ctx context.Context, on bool) error {
	req := map[string]any{"system": map[string]any{"set_led_off": map[string]any{"off": boolInt(!on)}}}
	if _, err := d.proto.query(ctx, req); err != nil {
		return err
	}
	d.mu.Lock()
	off := boolInt(!on)
	d.info.LEDOff = &off
	d.mu.Unlock()
	return nil
}

func (d *iotDevice) Update(ctx context.Context) error {
	if d.parent != nil {
		return d.updateChild(ctx)
	}

	req := map[string]any{"system": map[string]any{"get_sysinfo": map[string]any{}}}
	d.mu.RLock()
	wantEmeter := d.updated && strings.Contains(d.info.Feature, "ENE") && len(d.info.Children) == 0
	d.mu.RUnlock()
	if wantEmeter {
		req["emeter"] = map[string]any{"get_realtime": map[string]any{}}
	}

	resp, err := d.proto.query(ctx, req)
	if err != nil {
		return err
	}
	raw, ok := resp["system"]["get_sysinfo"]
	if !ok {
		return fmt.Errorf("%w: response without sysinfo", ErrDevice)
	}
	var info sysInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("%w: decode sysinfo: %v", ErrDevice, err)
	}

	d.mu.Lock()
	first := !d.updated
	d.info = info
	d.updated = true
	if rt, ok := resp["emeter"]["get_realtime"]; ok {
		var m realtime
		if json.Unmarshal(rt, &m) == nil {
			d.emeter = &m
		}
	}
	if first {
		for _, c := range info.Children {
			d.children = append(d.children, &iotDevice{cfg: d.cfg, parent: d, childID: c.ID})
		}
	}
	d.mu.Unlock()

	if !first {
		return nil
	}
	// Energy meters of plain plugs are read along with sysinfo from now on;
	// the first reading is fetched here so features are complete after connect.
	if strings.Contains(info.Feature, "ENE") {
		if len(info.Children) == 0 {
			if err := d.updateEmeter(ctx, nil); err != nil {
				return err
			}
		} else {
			for _, c := range d.children {
				if err := c.updateChild(ctx); err != nil {
					return err
				}
			}
		}
	}
	for _, c := range d.children {
		c.initFeatures()
	}
	d.initFeatures()
	return nil
}

func (d *iotDevice) updateChild(ctx context.Context) error {
	if !d.parent.hasEmeter() {
		return nil
	}
	return d.updateEmeter(ctx, map[string]any{"child_ids": []string{d.childID}})
}

func (d *iotDevice) updateEmeter(ctx context.Context, reqCtx map[string]any) error {
	req := map[string]any{"emeter": map[string]any{"get_realtime": map[string]any{}}}
	if reqCtx != nil {
		req["context"] = reqCtx
	}
	resp, err := d.root().proto.query(ctx, req)
	if err != nil {
		return err
	}
	var m realtime
	if err := json.Unmarshal(resp["emeter"]["get_realtime"], &m); err != nil {
		return fmt.Errorf("%w: decode realtime: %v", ErrDevice, err)
	}
	d.mu.Lock()
	d.emeter = &m
	d.mu.Unlock()
	return nil
}

func (d *iotDevice) reading() (*realtime, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.emeter == nil {
		return nil, fmt.Errorf("%w: no energy reading", ErrDevice)
	}
	return d.emeter, nil
}

func (d *iotDevice) initFeatures() {
	fs := map[string]*Feature{}
	add := func(f *Feature) { fs[f.ID] = f }

	add(&Feature{
		ID: "state", Name: "State", Category: CategoryPrimary, Type: TypeSwitch,
		Getter: func() (any, error) { return d.IsOn(), nil },
		Setter: func(ctx context.Context, v any) error {
			on, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: state wants bool, got %T", ErrDevice, v)
			}
			return d.SetState(ctx, on)
		},
	})

	s := d.sys()
	if d.parent == nil && s.LEDOff != nil {
		add(&Feature{
			ID: "led", Name: "LED", Category: CategoryConfig, Type: TypeSwitch,
			Getter: func() (any, error) {
				d.mu.RLock()
				defer d.mu.RUnlock()
				return d.info.LEDOff != nil && *d.info.LEDOff == 0, nil
			},
			Setter: func(ctx context.Context, v any) error {
				on, ok := v.(bool)
				if !ok {
					return fmt.Errorf("%w: led wants bool, got %T", ErrDevice, v)
				}
				return d.setLED(ctx, on)
			},
		})
	}
	if d.parent == nil && s.RSSI != nil {
		add(&Feature{
			ID: "rssi", Name: "RSSI", Category: CategoryDebug, Type: TypeSensor, Unit: "dBm",
			Getter: func() (any, error) {
				d.mu.RLock()
				defer d.mu.RUnlock()
				if d.info.RSSI == nil {
					return nil, fmt.Errorf("%w: rssi not reported", ErrDevice)
				}
				return *d.info.RSSI, nil
			},
		})
	}

	metered := d.hasEmeter() && (d.parent != nil || len(s.Children) == 0)
	if metered {
		add(&Feature{
			ID: "current_consumption", Name: "Current consumption", Category: CategoryPrimary, Type: TypeSensor, Unit: "W",
			Getter: func() (any, error) {
				r, err := d.reading()
				if err != nil {
					return nil, err
				}
				return r.watts(), nil
			},
		})
		add(&Feature{
			ID: "voltage", Name: "Voltage", Category: CategoryInfo, Type: TypeSensor, Unit: "V",
			Getter: func() (any, error) {
				r, err := d.reading()
				if err != nil {
					return nil, err
				}
				return r.volts(), nil
			},
		})
		add(&Feature{
			ID: "consumption_total", Name: "Total consumption since reboot", Category: CategoryInfo, Type: TypeSensor, Unit: "kWh",
			Getter: func() (any, error) {
				r, err := d.reading()
				if err != nil {
					return nil, err
				}
				return r.kwh(), nil
			},
		})
	}

	var light *iotLight
	if d.parent == nil && d.isLight() {
		light = &iotLight{d: d}
		if light.IsDimmable() {
			add(&Feature{
				ID: "brightness", Name: "Brightness", Category: CategoryPrimary, Type: TypeNumber, Min: 0, Max: 100, Unit: "%",
				Getter: func() (any, error) { return light.Brightness() },
				Setter: func(ctx context.Context, v any) error {
					n, ok := v.(float64)
					if !ok {
						return fmt.Errorf("%w: brightness wants number, got %T", ErrDevice, v)
					}
					return light.SetBrightness(ctx, int(n))
				},
			})
		}
	}

	d.mu.Lock()
	d.features = fs
	d.light = light
	d.mu.Unlock()
}

func (d *iotDevice) Close() error {
	if d.parent == nil {
		d.proto.close()
	}
	return nil
}
