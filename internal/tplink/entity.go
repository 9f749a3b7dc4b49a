package tplink

import (
	"log/slog"
	"maps"
	"sync"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

// readFunc computes an entity's state and attributes from cached device data.
type readFunc func() (state string, attrs map[string]any, err error)

// coordinatedEntity is the shared part of every tplink entity. It tracks
// availability from coordinator results and attribute reads, and logs a
// failing read once per failure streak.
type coordinatedEntity struct {
	platform.EntityBase

	hub    *platform.Hub
	coord  *Coordinator
	device kasa.Device
	parent kasa.Device
	logger *slog.Logger

	domain   string
	uniqueID string
	name     string
	category platform.EntityCategory
	enabled  bool

	self platform.Entity
	read readFunc

	mu              sync.RWMutex
	available       bool
	readErrorLogged bool
	state           string
	attrs           map[string]any
}

func newCoordinatedEntity(hub *platform.Hub, coord *Coordinator, dev, parent kasa.Device, logger *slog.Logger) *coordinatedEntity {
	return &coordinatedEntity{
		hub:     hub,
		coord:   coord,
		device:  dev,
		parent:  parent,
		logger:  logger,
		enabled: true,
	}
}

// attach binds the concrete entity, reads its initial attributes and
// subscribes it to coordinator updates.
func (e *coordinatedEntity) attach(self platform.Entity, read readFunc) {
	e.self = self
	e.read = read
	e.refresh()
	e.coord.AddListener(e.handleUpdate)
}

func (e *coordinatedEntity) handleUpdate() {
	if !e.coord.LastUpdateSuccess() {
		e.mu.Lock()
		e.available = false
		e.mu.Unlock()
	} else {
		e.refresh()
	}
	e.hub.WriteState(e.self)
}

func (e *coordinatedEntity) refresh() {
	state, attrs, err := e.read()

	e.mu.Lock()
	if err != nil {
		first := !e.readErrorLogged
		e.readErrorLogged = true
		e.available = false
		e.mu.Unlock()
		if first {
			e.logger.Warn("unable to read data", "device", e.device.String(), "entity_id", e.EntityID(), "err", err)
		}
		return
	}
	e.readErrorLogged = false
	e.available = true
	e.state = state
	e.attrs = attrs
	e.mu.Unlock()
}

func (e *coordinatedEntity) Domain() string                          { return e.domain }
func (e *coordinatedEntity) UniqueID() string                        { return e.uniqueID }
func (e *coordinatedEntity) Name() string                            { return e.name }
func (e *coordinatedEntity) EntityCategory() platform.EntityCategory { return e.category }
func (e *coordinatedEntity) EnabledByDefault() bool                  { return e.enabled }

func (e *coordinatedEntity) Available() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.available
}

func (e *coordinatedEntity) State() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == "" {
		return platform.StateUnknown
	}
	return e.state
}

func (e *coordinatedEntity) Attributes() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.attrs)
}

func (e *coordinatedEntity) DeviceInfo() *platform.DeviceInfo {
	return deviceInfo(e.device, e.parent)
}

func deviceInfo(dev, parent kasa.Device) *platform.DeviceInfo {
	info := &platform.DeviceInfo{
		Identifiers:  []store.Identifier{{Domain: Domain, ID: dev.DeviceID()}},
		Name:         DeviceName(dev, parent),
		Manufacturer: manufacturer,
		Model:        dev.Model(),
		SWVersion:    dev.SWVersion(),
		HWVersion:    dev.HWVersion(),
	}
	if parent == nil {
		info.Connections = []store.Connection{{Type: platform.ConnectionMAC, Value: dev.MAC()}}
	} else {
		info.ViaDevice = &store.Identifier{Domain: Domain, ID: parent.DeviceID()}
	}
	return info
}

func onOff(on bool) string {
	if on {
		return platform.StateOn
	}
	return platform.StateOff
}
