package platform

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/store"
)

// DisabledByIntegration marks entities the integration hides by default.
const DisabledByIntegration = "integration"

// RegisterOptions are applied when an entity is first registered.
type RegisterOptions struct {
	ConfigEntryID     string
	DeviceID          string
	SuggestedObjectID string
	OriginalName      string
	Category          EntityCategory
	DisabledBy        string
}

type entityKey struct {
	domain, platform, uniqueID string
}

// EntityRegistry maps (domain, platform, unique id) to a stable entity id.
type EntityRegistry struct {
	mu    sync.RWMutex
	st    store.Store
	bus   *EventBus
	clock clock.Clock
	byID  map[string]*store.EntityEntry
	byKey map[entityKey]string
}

func newEntityRegistry(st store.Store, bus *EventBus, c clock.Clock) *EntityRegistry {
	return &EntityRegistry{
		st:    st,
		bus:   bus,
		clock: c,
		byID:  make(map[string]*store.EntityEntry),
		byKey: make(map[entityKey]string),
	}
}

func (r *EntityRegistry) load() error {
	recs, err := r.st.ListEntities()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.byID[rec.EntityID] = rec
		r.byKey[entityKey{rec.Domain, rec.Platform, rec.UniqueID}] = rec.EntityID
	}
	return nil
}

// GetEntityID returns the entity id registered for a unique id.
func (r *EntityRegistry) GetEntityID(domain, platform, uniqueID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[entityKey{domain, platform, uniqueID}]
	return id, ok
}

// Get returns a copy of a registry record.
func (r *EntityRegistry) Get(entityID string) (store.EntityEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[entityID]
	if !ok {
		return store.EntityEntry{}, false
	}
	return *rec, true
}

// GetOrCreate returns the record for a unique id, registering it when new.
// Existing records keep their entity id; only their entry and device links
// are refreshed.
func (r *EntityRegistry) GetOrCreate(domain, platform, uniqueID string, opts RegisterOptions) (store.EntityEntry, error) {
	rec, action, err := r.getOrCreate(domain, platform, uniqueID, opts)
	if err == nil && action != "" {
		r.emit(action, rec.EntityID)
	}
	return rec, err
}

func (r *EntityRegistry) getOrCreate(domain, platform, uniqueID string, opts RegisterOptions) (store.EntityEntry, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entityKey{domain, platform, uniqueID}
	if id, ok := r.byKey[key]; ok {
		rec := r.byID[id]
		if (opts.ConfigEntryID == "" || rec.ConfigEntryID == opts.ConfigEntryID) &&
			(opts.DeviceID == "" || rec.DeviceID == opts.DeviceID) {
			return *rec, "", nil
		}
		upd := *rec
		if opts.ConfigEntryID != "" {
			upd.ConfigEntryID = opts.ConfigEntryID
		}
		if opts.DeviceID != "" {
			upd.DeviceID = opts.DeviceID
		}
		if err := r.st.SaveEntity(&upd); err != nil {
			return store.EntityEntry{}, "", err
		}
		r.byID[id] = &upd
		return upd, "update", nil
	}

	object := Slugify(opts.SuggestedObjectID)
	if object == "" {
		object = Slugify(opts.OriginalName)
	}
	if object == "" {
		object = Slugify(platform + " " + uniqueID)
	}
	rec := &store.EntityEntry{
		EntityID:       r.freeID(domain + "." + object),
		UniqueID:       uniqueID,
		Platform:       platform,
		Domain:         domain,
		ConfigEntryID:  opts.ConfigEntryID,
		DeviceID:       opts.DeviceID,
		OriginalName:   opts.OriginalName,
		EntityCategory: string(opts.Category),
		DisabledBy:     opts.DisabledBy,
		CreatedAt:      r.clock.Now(),
	}
	if err := r.st.SaveEntity(rec); err != nil {
		return store.EntityEntry{}, "", err
	}
	r.byID[rec.EntityID] = rec
	r.byKey[key] = rec.EntityID
	return *rec, "create", nil
}

func (r *EntityRegistry) freeID(base string) string {
	if _, taken := r.byID[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		id := base + "_" + strconv.Itoa(n)
		if _, taken := r.byID[id]; !taken {
			return id
		}
	}
}

// UpdateUniqueID re-keys an entity. It fails if the new key is already taken.
func (r *EntityRegistry) UpdateUniqueID(entityID, uniqueID string) error {
	if err := r.updateUniqueID(entityID, uniqueID); err != nil {
		return err
	}
	r.emit("update", entityID)
	return nil
}

func (r *EntityRegistry) updateUniqueID(entityID, uniqueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[entityID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	newKey := entityKey{rec.Domain, rec.Platform, uniqueID}
	if other, taken := r.byKey[newKey]; taken && other != entityID {
		return fmt.Errorf("unique id %s already used by %s", uniqueID, other)
	}
	upd := *rec
	upd.UniqueID = uniqueID
	if err := r.st.SaveEntity(&upd); err != nil {
		return err
	}
	delete(r.byKey, entityKey{rec.Domain, rec.Platform, rec.UniqueID})
	r.byKey[newKey] = entityID
	r.byID[entityID] = &upd
	return nil
}

// Remove deletes a registry record.
func (r *EntityRegistry) Remove(entityID string) error {
	r.mu.Lock()
	rec, ok := r.byID[entityID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if err := r.st.DeleteEntity(entityID); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.byID, entityID)
	delete(r.byKey, entityKey{rec.Domain, rec.Platform, rec.UniqueID})
	r.mu.Unlock()

	r.emit("remove", entityID)
	return nil
}

// ForConfigEntry lists the records owned by a config entry.
func (r *EntityRegistry) ForConfigEntry(entryID string) []store.EntityEntry {
	return r.filter(func(e *store.EntityEntry) bool { return e.ConfigEntryID == entryID })
}

// List returns every record sorted by entity id.
func (r *EntityRegistry) List() []store.EntityEntry {
	return r.filter(func(*store.EntityEntry) bool { return true })
}

func (r *EntityRegistry) filter(keep func(*store.EntityEntry) bool) []store.EntityEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.EntityEntry
	for _, rec := range r.byID {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (r *EntityRegistry) emit(action, entityID string) {
	r.bus.Emit(Event{Type: EventEntityRegistryUpdated, Data: map[string]any{
		"action":    action,
		"entity_id": entityID,
	}})
}
