package platform

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/store"
)

// ConnectionMAC is the connection type for network MAC addresses.
const ConnectionMAC = "mac"

// FormatMAC normalizes a MAC address to lower-case colon-separated form.
// Values that do not look like a MAC are returned unchanged.
func FormatMAC(mac string) string {
	switch {
	case len(mac) == 17 && strings.Count(mac, ":") == 5:
		return strings.ToLower(mac)
	case len(mac) == 17 && strings.Count(mac, "-") == 5:
		return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
	case len(mac) == 14 && strings.Count(mac, ".") == 2:
		mac = strings.ReplaceAll(mac, ".", "")
	}
	if len(mac) != 12 {
		return mac
	}
	mac = strings.ToLower(mac)
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(mac[i : i+2])
	}
	return b.String()
}

// DeviceUpdate lists the fields UpdateDevice may change. Nil fields are kept.
type DeviceUpdate struct {
	NewIdentifiers []store.Identifier
	Name           *string
	SWVersion      *string
}

// DeviceRegistry tracks physical devices and the entries that own them.
type DeviceRegistry struct {
	mu      sync.RWMutex
	st      store.Store
	bus     *EventBus
	clock   clock.Clock
	devices map[string]*store.DeviceEntry
}

func newDeviceRegistry(st store.Store, bus *EventBus, c clock.Clock) *DeviceRegistry {
	return &DeviceRegistry{st: st, bus: bus, clock: c, devices: make(map[string]*store.DeviceEntry)}
}

func (r *DeviceRegistry) load() error {
	recs, err := r.st.ListDeviceEntries()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range recs {
		r.devices[d.ID] = d
	}
	return nil
}

// GetOrCreate finds the device matching any identifier or connection of info
// and merges info into it, or registers a new device.
func (r *DeviceRegistry) GetOrCreate(configEntryID string, info DeviceInfo) (store.DeviceEntry, error) {
	r.mu.Lock()
	dev := r.match(info.Identifiers, info.Connections)
	action := "update"
	if dev == nil {
		dev = &store.DeviceEntry{ID: uuid.NewString()}
		action = "create"
	} else {
		cp := *dev
		dev = &cp
	}

	if !slices.Contains(dev.ConfigEntries, configEntryID) {
		dev.ConfigEntries = append(dev.ConfigEntries, configEntryID)
	}
	for _, id := range info.Identifiers {
		if !slices.Contains(dev.Identifiers, id) {
			dev.Identifiers = append(dev.Identifiers, id)
		}
	}
	for _, c := range info.Connections {
		if c.Type == ConnectionMAC {
			c.Value = FormatMAC(c.Value)
		}
		if !slices.Contains(dev.Connections, c) {
			dev.Connections = append(dev.Connections, c)
		}
	}
	setIf(&dev.Name, info.Name)
	setIf(&dev.Manufacturer, info.Manufacturer)
	setIf(&dev.Model, info.Model)
	setIf(&dev.SWVersion, info.SWVersion)
	setIf(&dev.HWVersion, info.HWVersion)
	if info.ViaDevice != nil {
		if via := r.match([]store.Identifier{*info.ViaDevice}, nil); via != nil {
			dev.ViaDeviceID = via.ID
		}
	}
	dev.ModifiedAt = r.clock.Now()

	if err := r.st.SaveDeviceEntry(dev); err != nil {
		r.mu.Unlock()
		return store.DeviceEntry{}, fmt.Errorf("save device: %w", err)
	}
	r.devices[dev.ID] = dev
	out := *dev
	r.mu.Unlock()

	r.emit(action, out.ID)
	return out, nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (r *DeviceRegistry) match(ids []store.Identifier, conns []store.Connection) *store.DeviceEntry {
	for _, d := range r.devices {
		for _, id := range ids {
			if slices.Contains(d.Identifiers, id) {
				return d
			}
		}
		for _, c := range conns {
			if c.Type == ConnectionMAC {
				c.Value = FormatMAC(c.Value)
			}
			if slices.Contains(d.Connections, c) {
				return d
			}
		}
	}
	return nil
}

// Get returns a copy of a device record.
func (r *DeviceRegistry) Get(id string) (store.DeviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return store.DeviceEntry{}, false
	}
	return *d, true
}

// GetByIdentifier returns the device holding an identifier.
func (r *DeviceRegistry) GetByIdentifier(id store.Identifier) (store.DeviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.match([]store.Identifier{id}, nil)
	if d == nil {
		return store.DeviceEntry{}, false
	}
	return *d, true
}

// UpdateDevice applies upd to a device. Replacing identifiers fails with
// ErrIdentifierConflict when another device already holds one of them.
func (r *DeviceRegistry) UpdateDevice(id string, upd DeviceUpdate) (store.DeviceEntry, error) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return store.DeviceEntry{}, fmt.Errorf("device %s: %w", id, store.ErrNotFound)
	}
	next := *d
	if upd.NewIdentifiers != nil {
		for _, other := range r.devices {
			if other.ID == id {
				continue
			}
			for _, ident := range upd.NewIdentifiers {
				if slices.Contains(other.Identifiers, ident) {
					r.mu.Unlock()
					return store.DeviceEntry{}, fmt.Errorf("%w: %s held by %s", ErrIdentifierConflict, ident, other.ID)
				}
			}
		}
		next.Identifiers = slices.Clone(upd.NewIdentifiers)
	}
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.SWVersion != nil {
		next.SWVersion = *upd.SWVersion
	}
	next.ModifiedAt = r.clock.Now()
	if err := r.st.SaveDeviceEntry(&next); err != nil {
		r.mu.Unlock()
		return store.DeviceEntry{}, fmt.Errorf("save device: %w", err)
	}
	r.devices[id] = &next
	r.mu.Unlock()

	r.emit("update", id)
	return next, nil
}

// ForConfigEntry lists the devices linked to a config entry.
func (r *DeviceRegistry) ForConfigEntry(entryID string) []store.DeviceEntry {
	return r.filter(func(d *store.DeviceEntry) bool { return slices.Contains(d.ConfigEntries, entryID) })
}

// List returns all devices sorted by name.
func (r *DeviceRegistry) List() []store.DeviceEntry {
	return r.filter(func(*store.DeviceEntry) bool { return true })
}

func (r *DeviceRegistry) filter(keep func(*store.DeviceEntry) bool) []store.DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.DeviceEntry
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RemoveConfigEntry unlinks an entry from its devices and deletes devices
// left without any entry.
func (r *DeviceRegistry) RemoveConfigEntry(entryID string) error {
	var removed, updated []string
	r.mu.Lock()
	for id, d := range r.devices {
		i := slices.Index(d.ConfigEntries, entryID)
		if i < 0 {
			continue
		}
		if len(d.ConfigEntries) == 1 {
			if err := r.st.DeleteDeviceEntry(id); err != nil {
				r.mu.Unlock()
				return err
			}
			delete(r.devices, id)
			removed = append(removed, id)
			continue
		}
		next := *d
		next.ConfigEntries = slices.Delete(slices.Clone(d.ConfigEntries), i, i+1)
		if err := r.st.SaveDeviceEntry(&next); err != nil {
			r.mu.Unlock()
			return err
		}
		r.devices[id] = &next
		updated = append(updated, id)
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.emit("remove", id)
	}
	for _, id := range updated {
		r.emit("update", id)
	}
	return nil
}

func (r *DeviceRegistry) emit(action, deviceID string) {
	r.bus.Emit(Event{Type: EventDeviceRegistryUpdated, Data: map[string]any{
		"action":    action,
		"device_id": deviceID,
	}})
}
