package tplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

// RuntimeData is attached to a loaded entry.
type RuntimeData struct {
	Device   kasa.Device
	Parent   *Coordinator
	Children []*Coordinator

	once sync.Once
}

// shutdown stops every coordinator and closes the session. Safe to call twice.
func (r *RuntimeData) shutdown() {
	r.once.Do(func() {
		r.Parent.Stop()
		for _, c := range r.Children {
			c.Stop()
		}
		r.Device.Close()
	})
}

// SetupEntry connects to the entry's device, verifies it is the expected
// one and starts polling it.
func (i *Integration) SetupEntry(ctx context.Context, entry *platform.ConfigEntry) error {
	host := entry.String(ConfHost)
	logger := i.logger.With("host", host)

	raw, _ := entry.Get(ConfDeviceConfig)
	cfg := i.deviceConfig(host, raw, logger)

	dev, err := i.client.Connect(ctx, cfg)
	if err != nil {
		if errors.Is(err, kasa.ErrAuthentication) {
			return fmt.Errorf("%w: %w", platform.ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %w", platform.ErrNotReady, err)
	}

	if err := i.refreshEntryData(entry, dev, raw); err != nil {
		logger.Warn("update entry data", "err", err)
	}

	if found := platform.FormatMAC(dev.MAC()); found != entry.UniqueID() {
		dev.Close()
		return fmt.Errorf("%w: Unexpected device found at %s; expected %s, found %s",
			platform.ErrNotReady, host, entry.UniqueID(), found)
	}

	rt := &RuntimeData{
		Device: dev,
		Parent: newCoordinator(i.hub, entry, dev, parentPollInterval, i.logger),
	}
	if dev.DeviceType() == kasa.TypeStrip {
		for _, child := range dev.Children() {
			rt.Children = append(rt.Children, newCoordinator(i.hub, entry, child, childPollInterval, i.logger))
		}
	}
	entry.SetRuntimeData(rt)
	entry.OnUnload(rt.shutdown)

	if err := i.hub.AddEntities(entry, i.entities(rt)); err != nil {
		i.hub.RemoveEntities(entry.EntryID)
		return err
	}

	rt.Parent.Start()
	for _, c := range rt.Children {
		c.Start()
	}
	return nil
}

// deviceConfig builds the session config for host from a stored config map.
// A malformed map is logged and replaced by the defaults.
func (i *Integration) deviceConfig(host string, raw any, logger *slog.Logger) *kasa.DeviceConfig {
	cfg := kasa.NewDeviceConfig(host)
	if raw != nil {
		m, _ := raw.(map[string]any)
		parsed, err := kasa.DeviceConfigFromMap(m)
		if err != nil {
			logger.Error("invalid connection type dict", "device_config", raw, "err", err)
		} else {
			cfg = parsed
		}
	}
	cfg.Host = host
	cfg.Timeout = ConnectTimeout
	if creds := i.credentials(); creds != nil {
		cfg.Credentials = creds
	}
	return cfg
}

// UnloadEntry stops polling and closes the device session.
func (i *Integration) UnloadEntry(_ context.Context, entry *platform.ConfigEntry) error {
	if rt, ok := entry.RuntimeData().(*RuntimeData); ok {
		rt.shutdown()
	}
	return nil
}

// refreshEntryData stores the connection details, alias and model the
// device reported when they differ from the entry.
func (i *Integration) refreshEntryData(entry *platform.ConfigEntry, dev kasa.Device, oldConfig any) error {
	data := entry.DataCopy()
	updates := map[string]any{}

	newConfig := dev.Config().ToMap(dev.CredentialsHash())
	if !sameJSON(newConfig, oldConfig) {
		updates[ConfDeviceConfig] = newConfig
	}
	if data[ConfAlias] != dev.Alias() {
		updates[ConfAlias] = dev.Alias()
	}
	if data[ConfModel] != dev.Model() {
		updates[ConfModel] = dev.Model()
	}
	if len(updates) == 0 {
		return nil
	}
	maps.Copy(data, updates)
	_, err := i.hub.Entries.Update(entry, platform.EntryUpdate{Data: data})
	return err
}

func sameJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

// entities builds the entities of a device and its outlets. The parent
// device comes first so outlets can link to it.
func (i *Integration) entities(rt *RuntimeData) []platform.Entity {
	dev := rt.Device
	out := i.deviceEntities(dev, nil, rt.Parent, rt.Parent)

	children := dev.Children()
	for n, child := range children {
		featureCoord := rt.Parent
		if n < len(rt.Children) {
			featureCoord = rt.Children[n]
		}
		out = append(out, i.deviceEntities(child, dev, rt.Parent, featureCoord)...)
	}
	return out
}

// deviceEntities returns the main entity of dev, driven by stateCoord, and
// one entity per additional feature, driven by featureCoord.
func (i *Integration) deviceEntities(dev, parent kasa.Device, stateCoord, featureCoord *Coordinator) []platform.Entity {
	var out []platform.Entity

	base := newCoordinatedEntity(i.hub, stateCoord, dev, parent, i.logger)
	if light, ok := dev.Modules()[kasa.ModuleLight].(kasa.Light); ok {
		base.uniqueID = i.primaryUniqueID("light", dev, parent)
		out = append(out, newLightEntity(base, light))
	} else {
		base.uniqueID = i.primaryUniqueID("switch", dev, parent)
		out = append(out, newSwitchEntity(base))
	}

	features := dev.Features()
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f := features[id]
		if primaryFeatures[id] {
			continue
		}
		mk, ok := featureConstructors[f.Type]
		if !ok {
			continue
		}
		out = append(out, mk(newCoordinatedEntity(i.hub, featureCoord, dev, parent, i.logger), f))
	}
	return out
}

// primaryUniqueID keeps the legacy unique id when an entity was registered
// under it. New top-level devices use the MAC based id; outlets share the
// parent MAC and always use their legacy id.
func (i *Integration) primaryUniqueID(domain string, dev, parent kasa.Device) string {
	legacy := LegacyDeviceID(dev)
	if parent != nil {
		return legacy
	}
	if _, ok := i.hub.Entities.GetEntityID(domain, Domain, legacy); ok {
		return legacy
	}
	return RolloutUniqueID(dev.MAC())
}
