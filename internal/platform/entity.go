package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"kasa-go-home/internal/store"
)

// EntityCategory marks entities that are not the primary control of a device.
type EntityCategory string

const (
	CategoryNone       EntityCategory = ""
	CategoryConfig     EntityCategory = "config"
	CategoryDiagnostic EntityCategory = "diagnostic"
)

// Service names accepted by CallService.
const (
	ServiceTurnOn   = "turn_on"
	ServiceTurnOff  = "turn_off"
	ServiceToggle   = "toggle"
	ServiceSetValue = "set_value"
)

// DeviceInfo describes the device an entity belongs to.
type DeviceInfo struct {
	Identifiers  []store.Identifier
	Connections  []store.Connection
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	HWVersion    string
	ViaDevice    *store.Identifier
}

// Entity is a single controllable or observable value exposed by an integration.
type Entity interface {
	// Domain is the entity platform such as "switch" or "sensor".
	Domain() string
	UniqueID() string
	// Name is appended to the device name. Empty for the device's main entity.
	Name() string
	EntityCategory() EntityCategory
	EnabledByDefault() bool
	DeviceInfo() *DeviceInfo

	Available() bool
	State() string
	Attributes() map[string]any

	EntityID() string
	SetEntityID(id string)
}

// ToggleEntity is an entity that can be switched on and off.
type ToggleEntity interface {
	Entity
	TurnOn(ctx context.Context, data map[string]any) error
	TurnOff(ctx context.Context, data map[string]any) error
}

// ValueEntity is an entity with a settable numeric value.
type ValueEntity interface {
	Entity
	SetValue(ctx context.Context, v float64) error
}

// EntityBase stores the registry-assigned entity id. Embed it in entities.
type EntityBase struct {
	mu       sync.RWMutex
	entityID string
}

func (b *EntityBase) EntityID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entityID
}

func (b *EntityBase) SetEntityID(id string) {
	b.mu.Lock()
	b.entityID = id
	b.mu.Unlock()
}

// AddEntities registers entities for a config entry, links them to their
// devices and writes their initial state.
func (h *Hub) AddEntities(entry *ConfigEntry, entities []Entity) error {
	for _, e := range entities {
		var deviceID, deviceName string
		if info := e.DeviceInfo(); info != nil {
			dev, err := h.Devices.GetOrCreate(entry.EntryID, *info)
			if err != nil {
				return fmt.Errorf("register device for %s: %w", e.UniqueID(), err)
			}
			deviceID, deviceName = dev.ID, dev.Name
		}

		opts := RegisterOptions{
			ConfigEntryID:     entry.EntryID,
			DeviceID:          deviceID,
			SuggestedObjectID: strings.TrimSpace(deviceName + " " + e.Name()),
			OriginalName:      e.Name(),
			Category:          e.EntityCategory(),
		}
		if !e.EnabledByDefault() {
			opts.DisabledBy = DisabledByIntegration
		}
		rec, err := h.Entities.GetOrCreate(e.Domain(), entry.Domain, e.UniqueID(), opts)
		if err != nil {
			return fmt.Errorf("register entity %s: %w", e.UniqueID(), err)
		}
		e.SetEntityID(rec.EntityID)
		if rec.DisabledBy != "" {
			continue
		}

		h.mu.Lock()
		h.live[rec.EntityID] = e
		h.entryEntity[entry.EntryID] = append(h.entryEntity[entry.EntryID], rec.EntityID)
		h.mu.Unlock()

		h.WriteState(e)
	}
	return nil
}

// WriteState publishes the current state of e to the state machine.
func (h *Hub) WriteState(e Entity) {
	id := e.EntityID()
	if id == "" {
		return
	}
	h.mu.RLock()
	_, ok := h.live[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !e.Available() {
		h.States.Set(id, StateUnavailable, e.Attributes())
		return
	}
	h.States.Set(id, e.State(), e.Attributes())
}

// RemoveEntities drops the live entities of an entry and clears their states.
// Registry records are kept.
func (h *Hub) RemoveEntities(entryID string) {
	h.mu.Lock()
	ids := h.entryEntity[entryID]
	delete(h.entryEntity, entryID)
	for _, id := range ids {
		delete(h.live, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.States.Remove(id)
	}
}

// Entity returns a live entity by id.
func (h *Hub) Entity(entityID string) (Entity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.live[entityID]
	return e, ok
}

// LiveEntities lists the ids of all loaded entities.
func (h *Hub) LiveEntities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.live))
	for id := range h.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CallService invokes a service on a live entity.
func (h *Hub) CallService(ctx context.Context, service, entityID string, data map[string]any) error {
	e, ok := h.Entity(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	switch service {
	case ServiceTurnOn, ServiceTurnOff, ServiceToggle:
		t, ok := e.(ToggleEntity)
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrServiceNotSupported, service, entityID)
		}
		if service == ServiceToggle {
			service = ServiceTurnOn
			if e.State() == StateOn {
				service = ServiceTurnOff
			}
		}
		if service == ServiceTurnOn {
			return t.TurnOn(ctx, data)
		}
		return t.TurnOff(ctx, data)

	case ServiceSetValue:
		v, ok := e.(ValueEntity)
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrServiceNotSupported, service, entityID)
		}
		f, err := floatArg(data, "value")
		if err != nil {
			return err
		}
		return v.SetValue(ctx, f)
	}
	return fmt.Errorf("%w: %s", ErrServiceNotSupported, service)
}

func floatArg(data map[string]any, key string) (float64, error) {
	switch v := data[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("missing %q", key)
	default:
		return 0, fmt.Errorf("%q: unexpected type %T", key, v)
	}
}
