package tplink

import (
	"context"
	"fmt"
	"math"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

// Light service data keys.
const (
	AttrBrightness      = "brightness"
	AttrColorTempKelvin = "color_temp_kelvin"
)

// lightEntity controls a bulb, light strip or dimmer. Brightness is exposed
// on a 0-255 scale; devices use percent.
type lightEntity struct {
	*coordinatedEntity
	light kasa.Light
}

var _ platform.ToggleEntity = (*lightEntity)(nil)

func newLightEntity(base *coordinatedEntity, light kasa.Light) *lightEntity {
	l := &lightEntity{coordinatedEntity: base, light: light}
	l.domain = "light"
	l.attach(l, l.readAttrs)
	return l
}

func (l *lightEntity) readAttrs() (string, map[string]any, error) {
	attrs := map[string]any{}
	modes := []string{"onoff"}
	if l.light.IsDimmable() {
		modes = []string{"brightness"}
		pct, err := l.light.Brightness()
		if err != nil {
			return "", nil, fmt.Errorf("brightness: %w", err)
		}
		attrs[AttrBrightness] = percentTo255(pct)
	}
	if l.light.IsVariableColorTemp() {
		modes = []string{"color_temp"}
		k, err := l.light.ColorTemp()
		if err != nil {
			return "", nil, fmt.Errorf("color temperature: %w", err)
		}
		minK, maxK := l.light.ColorTempRange()
		attrs[AttrColorTempKelvin] = k
		attrs["min_color_temp_kelvin"] = minK
		attrs["max_color_temp_kelvin"] = maxK
	}
	attrs["supported_color_modes"] = modes
	return onOff(l.device.IsOn()), attrs, nil
}

// TurnOn applies optional brightness and color temperature, then switches
// the light on.
func (l *lightEntity) TurnOn(ctx context.Context, data map[string]any) error {
	if v, ok := number(data[AttrBrightness]); ok {
		if err := l.light.SetBrightness(ctx, percentFrom255(v)); err != nil {
			return fmt.Errorf("set brightness of %s: %w", l.EntityID(), err)
		}
	}
	if v, ok := number(data[AttrColorTempKelvin]); ok {
		if err := l.light.SetColorTemp(ctx, int(math.Round(v))); err != nil {
			return fmt.Errorf("set color temperature of %s: %w", l.EntityID(), err)
		}
	}
	if !l.device.IsOn() {
		if err := l.device.SetState(ctx, true); err != nil {
			return fmt.Errorf("turn on %s: %w", l.EntityID(), err)
		}
	}
	l.coord.Refresh(ctx)
	return nil
}

func (l *lightEntity) TurnOff(ctx context.Context, _ map[string]any) error {
	if err := l.device.SetState(ctx, false); err != nil {
		return fmt.Errorf("turn off %s: %w", l.EntityID(), err)
	}
	l.coord.Refresh(ctx)
	return nil
}

func percentTo255(pct int) int {
	return int(math.Round(float64(pct) * 255 / 100))
}

func percentFrom255(v float64) int {
	return int(math.Round(min(max(v, 0), 255) * 100 / 255))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
