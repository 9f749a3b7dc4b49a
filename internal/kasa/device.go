// Package kasa is a client for TP-Link Kasa devices speaking the local IOT
// protocol: discovery, sessions, and a feature model of device state.
package kasa

import (
	"context"
	"fmt"
)

// DeviceType is the broad class of a device.
type DeviceType string

const (
	TypePlug        DeviceType = "plug"
	TypeBulb        DeviceType = "bulb"
	TypeStrip       DeviceType = "strip"
	TypeStripSocket DeviceType = "stripsocket"
	TypeDimmer      DeviceType = "dimmer"
	TypeLightStrip  DeviceType = "lightstrip"
	TypeWallSwitch  DeviceType = "wallswitch"
	TypeUnknownDev  DeviceType = "unknown"
)

// Module names.
const (
	ModuleLight = "Light"
)

// Device is a connected device session.
type Device interface {
	fmt.Stringer

	Host() string
	Alias() string
	MAC() string
	Model() string
	DeviceID() string
	DeviceType() DeviceType
	HWVersion() string
	SWVersion() string

	// Config returns the config the session was opened with.
	Config() *DeviceConfig
	CredentialsHash() string

	Children() []Device
	Features() map[string]*Feature
	Modules() map[string]Module

	IsOn() bool
	SetState(ctx context.Context, on bool) error

	// Update refreshes cached state from the device.
	Update(ctx context.Context) error
	// Close ends the session. Further calls fail.
	Close() error
}

// Module is a named capability group of a device.
type Module interface {
	Name() string
}

// Light is implemented by bulbs, light strips and dimmers.
type Light interface {
	Module
	IsDimmable() bool
	IsVariableColorTemp() bool
	Brightness() (int, error)
	ColorTemp() (int, error)
	ColorTempRange() (minK, maxK int)
	SetBrightness(ctx context.Context, v int) error
	SetColorTemp(ctx context.Context, kelvin int) error
}

// Connector opens device sessions.
type Connector interface {
	Connect(ctx context.Context, cfg *DeviceConfig) (Device, error)
}

// Discoverer finds devices on the local network.
type Discoverer interface {
	// Discover broadcasts to target and returns responding devices keyed by host.
	Discover(ctx context.Context, target string, opts DiscoverOptions) (map[string]Device, error)
	// DiscoverSingle probes one host.
	DiscoverSingle(ctx context.Context, host string, opts DiscoverOptions) (Device, error)
}
