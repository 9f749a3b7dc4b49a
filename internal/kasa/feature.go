package kasa

import (
	"context"
	"fmt"
)

// Category tells a consumer how prominently to show a feature.
type Category int

const (
	CategoryUnset Category = iota
	CategoryPrimary
	CategoryConfig
	CategoryInfo
	CategoryDebug
)

func (c Category) String() string {
	switch c {
	case CategoryUnset:
		return "Category.Unset"
	case CategoryPrimary:
		return "Category.Primary"
	case CategoryConfig:
		return "Category.Config"
	case CategoryInfo:
		return "Category.Info"
	case CategoryDebug:
		return "Category.Debug"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// FeatureType is the kind of value a feature carries.
type FeatureType int

const (
	TypeUnknown FeatureType = iota
	TypeSensor
	TypeBinarySensor
	TypeSwitch
	TypeNumber
	TypeAction
)

func (t FeatureType) String() string {
	switch t {
	case TypeSensor:
		return "sensor"
	case TypeBinarySensor:
		return "binary_sensor"
	case TypeSwitch:
		return "switch"
	case TypeNumber:
		return "number"
	case TypeAction:
		return "action"
	}
	return "unknown"
}

// Feature is a single named value exposed by a device.
type Feature struct {
	ID       string
	Name     string
	Category Category
	Type     FeatureType
	Unit     string
	Min, Max float64

	// Getter reads the cached value. A failing read affects this feature only.
	Getter func() (any, error)
	// Setter writes a new value to the device. Nil for read-only features.
	Setter func(ctx context.Context, v any) error
}

// Value returns the current value of the feature.
func (f *Feature) Value() (any, error) {
	if f.Getter == nil {
		return nil, nil
	}
	return f.Getter()
}

// SetValue writes v to the device.
func (f *Feature) SetValue(ctx context.Context, v any) error {
	if f.Setter == nil {
		return fmt.Errorf("%w: %s is read-only", ErrNotSupported, f.ID)
	}
	return f.Setter(ctx, v)
}
