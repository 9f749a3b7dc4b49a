package kasa

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	bulbService      = "smartlife.iot.smartbulb.lightingservice"
	lightStripSvc    = "smartlife.iot.lightStrip"
	dimmerService    = "smartlife.iot.dimmer"
	defaultMinKelvin = 2700
	defaultMaxKelvin = 6500
)

type iotLight struct {
	d *iotDevice
}

var _ Light = (*iotLight)(nil)

func (l *iotLight) Name() string { return ModuleLight }

func (l *iotLight) dimmer() bool { return l.d.DeviceType() == TypeDimmer }

func (l *iotLight) IsDimmable() bool {
	return l.dimmer() || l.d.sys().IsDimmable == 1
}

func (l *iotLight) IsVariableColorTemp() bool {
	return !l.dimmer() && l.d.sys().IsVariableColorTemp == 1
}

// state returns the effective light state; while off, the device reports
// the values it will restore under dft_on_state.
func (l *iotLight) state() (lightState, error) {
	s := l.d.sys().LightState
	if s == nil {
		return lightState{}, fmt.Errorf("%w: light state not reported", ErrDevice)
	}
	if s.OnOff == 0 && s.DftOnState != nil {
		return *s.DftOnState, nil
	}
	return *s, nil
}

func (l *iotLight) Brightness() (int, error) {
	if !l.IsDimmable() {
		return 0, fmt.Errorf("%w: brightness", ErrNotSupported)
	}
	if l.dimmer() {
		b := l.d.sys().Brightness
		if b == nil {
			return 0, fmt.Errorf("%w: brightness not reported", ErrDevice)
		}
		return *b, nil
	}
	st, err := l.state()
	if err != nil {
		return 0, err
	}
	return st.Brightness, nil
}

func (l *iotLight) ColorTemp() (int, error) {
	if !l.IsVariableColorTemp() {
		return 0, fmt.Errorf("%w: color temperature", ErrNotSupported)
	}
	st, err := l.state()
	if err != nil {
		return 0, err
	}
	return st.ColorTemp, nil
}

func (l *iotLight) ColorTempRange() (int, int) {
	return defaultMinKelvin, defaultMaxKelvin
}

func (l *iotLight) SetBrightness(ctx context.Context, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: brightness %d out of range", ErrDevice, v)
	}
	if l.dimmer() {
		req := map[string]any{dimmerService: map[string]any{"set_brightness": map[string]any{"brightness": v}}}
		if _, err := l.d.proto.query(ctx, req); err != nil {
			return err
		}
		l.d.mu.Lock()
		l.d.info.Brightness = &v
		l.d.mu.Unlock()
		return nil
	}
	return l.transition(ctx, map[string]any{"on_off": 1, "brightness": v})
}

func (l *iotLight) SetColorTemp(ctx context.Context, kelvin int) error {
	if !l.IsVariableColorTemp() {
		return fmt.Errorf("%w: color temperature", ErrNotSupported)
	}
	minK, maxK := l.ColorTempRange()
	if kelvin < minK || kelvin > maxK {
		return fmt.Errorf("%w: color temperature %dK outside %d-%d", ErrDevice, kelvin, minK, maxK)
	}
	return l.transition(ctx, map[string]any{"on_off": 1, "color_temp": kelvin})
}

// transition sends a light state change and caches the state the device reports back.
func (l *iotLight) transition(ctx context.Context, st map[string]any) error {
	svc := bulbService
	if l.d.DeviceType() == TypeLightStrip {
		svc = lightStripSvc
	}
	st["ignore_default"] = 1
	resp, err := l.d.proto.query(ctx, map[string]any{svc: map[string]any{"transition_light_state": st}})
	if err != nil {
		return err
	}
	raw, ok := resp[svc]["transition_light_state"]
	if !ok {
		return nil
	}
	var ls lightState
	if err := json.Unmarshal(raw, &ls); err != nil {
		return fmt.Errorf("%w: decode light state: %v", ErrDevice, err)
	}
	l.d.mu.Lock()
	l.d.info.LightState = &ls
	l.d.mu.Unlock()
	return nil
}
