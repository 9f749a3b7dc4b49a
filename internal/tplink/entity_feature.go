package tplink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

// Features represented by a device's main entity.
var primaryFeatures = map[string]bool{
	"state":             true,
	"brightness":        true,
	"color_temperature": true,
}

type featureConstructor func(base *coordinatedEntity, f *kasa.Feature) platform.Entity

var featureConstructors = map[kasa.FeatureType]featureConstructor{
	kasa.TypeSwitch:       newFeatureSwitch,
	kasa.TypeSensor:       newFeatureSensor,
	kasa.TypeBinarySensor: newFeatureBinarySensor,
	kasa.TypeNumber:       newFeatureNumber,
}

// featureCategory maps a feature category to an entity category. Debug
// features start disabled.
func featureCategory(c kasa.Category, logger *slog.Logger) (cat platform.EntityCategory, enabled bool) {
	switch c {
	case kasa.CategoryPrimary:
		return platform.CategoryNone, true
	case kasa.CategoryConfig:
		return platform.CategoryConfig, true
	case kasa.CategoryInfo:
		return platform.CategoryDiagnostic, true
	case kasa.CategoryDebug:
		return platform.CategoryDiagnostic, false
	}
	logger.Warn("unhandled category, fallback to diagnostic", "category", c.String())
	return platform.CategoryDiagnostic, true
}

// featureEntity exposes one device feature.
type featureEntity struct {
	*coordinatedEntity
	feature *kasa.Feature
}

func newFeatureEntity(base *coordinatedEntity, f *kasa.Feature, domain string) *featureEntity {
	base.domain = domain
	base.name = f.Name
	base.uniqueID = LegacyDeviceID(base.device) + "_" + f.ID
	base.category, base.enabled = featureCategory(f.Category, base.logger)
	return &featureEntity{coordinatedEntity: base, feature: f}
}

func (e *featureEntity) unitAttrs() map[string]any {
	if e.feature.Unit == "" {
		return nil
	}
	return map[string]any{"unit_of_measurement": e.feature.Unit}
}

func (e *featureEntity) set(ctx context.Context, v any) error {
	if err := e.feature.SetValue(ctx, v); err != nil {
		return fmt.Errorf("set %s: %w", e.EntityID(), err)
	}
	e.coord.Refresh(ctx)
	return nil
}

type featureSwitch struct{ *featureEntity }

var _ platform.ToggleEntity = featureSwitch{}

func newFeatureSwitch(base *coordinatedEntity, f *kasa.Feature) platform.Entity {
	s := featureSwitch{newFeatureEntity(base, f, "switch")}
	s.attach(s, func() (string, map[string]any, error) {
		on, err := boolValue(f)
		if err != nil {
			return "", nil, err
		}
		return onOff(on), nil, nil
	})
	return s
}

func (s featureSwitch) TurnOn(ctx context.Context, _ map[string]any) error  { return s.set(ctx, true) }
func (s featureSwitch) TurnOff(ctx context.Context, _ map[string]any) error { return s.set(ctx, false) }

type featureBinarySensor struct{ *featureEntity }

func newFeatureBinarySensor(base *coordinatedEntity, f *kasa.Feature) platform.Entity {
	s := featureBinarySensor{newFeatureEntity(base, f, "binary_sensor")}
	s.attach(s, func() (string, map[string]any, error) {
		on, err := boolValue(f)
		if err != nil {
			return "", nil, err
		}
		return onOff(on), nil, nil
	})
	return s
}

type featureSensor struct{ *featureEntity }

func newFeatureSensor(base *coordinatedEntity, f *kasa.Feature) platform.Entity {
	s := featureSensor{newFeatureEntity(base, f, "sensor")}
	s.attach(s, func() (string, map[string]any, error) {
		v, err := f.Value()
		if err != nil {
			return "", nil, err
		}
		return formatValue(v), s.unitAttrs(), nil
	})
	return s
}

type featureNumber struct{ *featureEntity }

var _ platform.ValueEntity = featureNumber{}

func newFeatureNumber(base *coordinatedEntity, f *kasa.Feature) platform.Entity {
	n := featureNumber{newFeatureEntity(base, f, "number")}
	n.attach(n, func() (string, map[string]any, error) {
		v, err := f.Value()
		if err != nil {
			return "", nil, err
		}
		attrs := map[string]any{"min": f.Min, "max": f.Max}
		if f.Unit != "" {
			attrs["unit_of_measurement"] = f.Unit
		}
		return formatValue(v), attrs, nil
	})
	return n
}

func (n featureNumber) SetValue(ctx context.Context, v float64) error {
	if v < n.feature.Min || v > n.feature.Max {
		return fmt.Errorf("value %v out of range [%v, %v]", v, n.feature.Min, n.feature.Max)
	}
	return n.set(ctx, v)
}

func boolValue(f *kasa.Feature) (bool, error) {
	v, err := f.Value()
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("feature %s: want bool, got %T", f.ID, v)
	}
	return b, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return platform.StateUnknown
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return onOff(x)
	}
	return fmt.Sprint(v)
}
