package platform

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/store"
)

// EntryState is the lifecycle state of a config entry.
type EntryState string

const (
	EntryNotLoaded       EntryState = "not_loaded"
	EntryLoaded          EntryState = "loaded"
	EntrySetupError      EntryState = "setup_error"
	EntrySetupRetry      EntryState = "setup_retry"
	EntryMigrationError  EntryState = "migration_error"
	EntrySetupInProgress EntryState = "setup_in_progress"
)

// ConfigEntry is a configured instance of an integration, usually one device.
// EntryID, Domain, Source and CreatedAt never change after creation. The
// other record fields are rewritten by Update; read them through Snapshot
// or the accessors below.
type ConfigEntry struct {
	store.ConfigEntry

	// lifecycle serializes setup, unload and reload of this entry.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       EntryState
	reason      string
	runtimeData any
	onUnload    []func()
	retry       clock.Timer
	tries       int
}

// State returns the lifecycle state.
func (e *ConfigEntry) State() EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Reason is the error text of the last failed setup.
func (e *ConfigEntry) Reason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reason
}

// Get returns a value from the entry data.
func (e *ConfigEntry) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.Data[key]
	return v, ok
}

// String returns a string value from the entry data, or "".
func (e *ConfigEntry) String(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// DataCopy returns a shallow copy of the entry data.
func (e *ConfigEntry) DataCopy() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.Data)
}

// Snapshot returns a copy of the persisted record.
func (e *ConfigEntry) Snapshot() store.ConfigEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.ConfigEntry
	rec.Data = maps.Clone(e.Data)
	return rec
}

// Title returns the entry title.
func (e *ConfigEntry) Title() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ConfigEntry.Title
}

// UniqueID returns the entry unique id.
func (e *ConfigEntry) UniqueID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ConfigEntry.UniqueID
}

// Versions returns the entry schema version.
func (e *ConfigEntry) Versions() (major, minor int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Version, e.MinorVersion
}

// RuntimeData returns what the integration stored during setup.
func (e *ConfigEntry) RuntimeData() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runtimeData
}

// SetRuntimeData attaches loaded objects to the entry.
func (e *ConfigEntry) SetRuntimeData(v any) {
	e.mu.Lock()
	e.runtimeData = v
	e.mu.Unlock()
}

// OnUnload registers fn to run when the entry is unloaded or its setup fails.
func (e *ConfigEntry) OnUnload(fn func()) {
	e.mu.Lock()
	e.onUnload = append(e.onUnload, fn)
	e.mu.Unlock()
}

func (e *ConfigEntry) runUnloadCallbacks() {
	e.mu.Lock()
	fns := e.onUnload
	e.onUnload = nil
	e.runtimeData = nil
	e.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// EntryUpdate lists entry fields to change. Nil fields are kept.
type EntryUpdate struct {
	Title        *string
	UniqueID     *string
	Data         map[string]any
	Version      *int
	MinorVersion *int
}

// EntryManager owns config entries and drives their lifecycle.
type EntryManager struct {
	hub    *Hub
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*ConfigEntry
}

func newEntryManager(h *Hub, logger *slog.Logger) *EntryManager {
	return &EntryManager{hub: h, logger: logger, entries: make(map[string]*ConfigEntry)}
}

func (m *EntryManager) load() error {
	recs, err := m.hub.store.ListEntries()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.entries[rec.EntryID] = &ConfigEntry{ConfigEntry: *rec, state: EntryNotLoaded}
	}
	return nil
}

// Add persists a new entry. It is not set up; call Setup for that.
func (m *EntryManager) Add(rec store.ConfigEntry) (*ConfigEntry, error) {
	if rec.EntryID == "" {
		rec.EntryID = uuid.NewString()
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	now := m.hub.clock.Now()
	rec.CreatedAt, rec.ModifiedAt = now, now
	if err := m.hub.store.SaveEntry(&rec); err != nil {
		return nil, fmt.Errorf("save entry: %w", err)
	}
	e := &ConfigEntry{ConfigEntry: rec, state: EntryNotLoaded}
	m.mu.Lock()
	m.entries[rec.EntryID] = e
	m.mu.Unlock()
	return e, nil
}

// Get looks up an entry by id.
func (m *EntryManager) Get(entryID string) (*ConfigEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryID]
	return e, ok
}

// List returns the entries of a domain, or all entries when domain is "",
// oldest first.
func (m *EntryManager) List(domain string) []*ConfigEntry {
	m.mu.RLock()
	out := make([]*ConfigEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if domain == "" || e.Domain == domain {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *ConfigEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EntryID, b.EntryID)
	})
	return out
}

// ByUniqueID finds the entry of a domain with the given unique id.
func (m *EntryManager) ByUniqueID(domain, uniqueID string) (*ConfigEntry, bool) {
	for _, e := range m.List(domain) {
		if e.UniqueID() == uniqueID {
			return e, true
		}
	}
	return nil, false
}

// Update changes and persists entry fields. It reports whether anything changed.
func (m *EntryManager) Update(e *ConfigEntry, upd EntryUpdate) (bool, error) {
	e.mu.Lock()
	cur := e.ConfigEntry
	next := cur
	if upd.Title != nil {
		next.Title = *upd.Title
	}
	if upd.UniqueID != nil {
		next.UniqueID = *upd.UniqueID
	}
	if upd.Data != nil {
		next.Data = maps.Clone(upd.Data)
	}
	if upd.Version != nil {
		next.Version = *upd.Version
	}
	if upd.MinorVersion != nil {
		next.MinorVersion = *upd.MinorVersion
	}
	changed := next.Title != cur.Title || next.UniqueID != cur.UniqueID ||
		next.Version != cur.Version || next.MinorVersion != cur.MinorVersion ||
		!dataEqual(next.Data, cur.Data)
	if !changed {
		e.mu.Unlock()
		return false, nil
	}
	next.ModifiedAt = m.hub.clock.Now()
	if err := m.hub.store.SaveEntry(&next); err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("save entry: %w", err)
	}
	// Only mutable fields are written so unlocked readers of the fixed ones
	// stay safe.
	e.ConfigEntry.Title = next.Title
	e.ConfigEntry.UniqueID = next.UniqueID
	e.Data = next.Data
	e.Version = next.Version
	e.MinorVersion = next.MinorVersion
	e.ModifiedAt = next.ModifiedAt
	e.mu.Unlock()
	return true, nil
}

func dataEqual(a, b map[string]any) bool {
	return maps.EqualFunc(a, b, func(x, y any) bool { return fmt.Sprint(x) == fmt.Sprint(y) })
}

// Setup migrates the entry if needed and asks its integration to load it.
// Setup outcomes are reflected in the entry state; the returned error only
// reports an entry that cannot be set up at all.
func (m *EntryManager) Setup(ctx context.Context, entryID string) error {
	e, ok := m.Get(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return m.setup(ctx, e)
}

func (m *EntryManager) setup(ctx context.Context, e *ConfigEntry) error {
	switch st := e.State(); st {
	case EntryNotLoaded, EntrySetupRetry:
	default:
		return fmt.Errorf("entry %s cannot be set up from state %s", e.EntryID, st)
	}
	integ, ok := m.hub.Integration(e.Domain)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntegration, e.Domain)
	}
	m.stopRetry(e)

	logger := m.logger.With("entry", e.Title(), "domain", e.Domain)
	if !m.migrate(ctx, e, integ, logger) {
		return nil
	}

	m.setState(e, EntrySetupInProgress, "")
	err := integ.SetupEntry(ctx, e)
	switch {
	case err == nil:
		e.mu.Lock()
		e.tries = 0
		e.mu.Unlock()
		m.setState(e, EntryLoaded, "")
		logger.Info("config entry loaded")

	case errors.Is(err, ErrAuthFailed):
		e.runUnloadCallbacks()
		m.setState(e, EntrySetupError, err.Error())
		logger.Warn("config entry authentication failed", "err", err)
		m.StartReauth(e)

	case errors.Is(err, ErrNotReady):
		e.runUnloadCallbacks()
		m.setState(e, EntrySetupRetry, err.Error())
		m.scheduleRetry(e, err, logger)

	default:
		e.runUnloadCallbacks()
		m.setState(e, EntrySetupError, err.Error())
		logger.Error("error setting up config entry", "err", err)
	}
	return nil
}

// migrate brings the entry up to the integration version. It reports whether
// setup may proceed.
func (m *EntryManager) migrate(ctx context.Context, e *ConfigEntry, integ Integration, logger *slog.Logger) bool {
	major, minor := integ.Version()
	curMajor, curMinor := e.Versions()
	if curMajor > major {
		m.setState(e, EntryMigrationError, "downgrade not supported")
		logger.Error("config entry written by a newer version", "version", curMajor, "supported", major)
		return false
	}
	if curMajor == major && curMinor >= minor {
		return true
	}

	ok, err := integ.MigrateEntry(ctx, e)
	if err != nil || !ok {
		reason := "migration failed"
		if err != nil {
			reason = err.Error()
		}
		m.setState(e, EntryMigrationError, reason)
		logger.Error("config entry migration failed", "err", err)
		return false
	}
	return true
}

// retryDelay backs off exponentially from 10s to 80s with up to 1s of jitter.
func retryDelay(tries int) time.Duration {
	base := time.Duration(1<<min(tries, 4)) * 5 * time.Second
	return base + time.Duration(rand.Float64()*float64(time.Second))
}

func (m *EntryManager) scheduleRetry(e *ConfigEntry, cause error, logger *slog.Logger) {
	e.mu.Lock()
	e.tries++
	tries := e.tries
	wait := retryDelay(tries)
	id := e.EntryID
	e.retry = m.hub.clock.AfterFunc(wait, func() {
		m.hub.BackgroundTask("entry retry", func(ctx context.Context) {
			e.lifecycle.Lock()
			defer e.lifecycle.Unlock()
			if e.State() != EntrySetupRetry {
				return
			}
			if err := m.setup(ctx, e); err != nil {
				m.logger.Error("retry setup", "entry", id, "err", err)
			}
		})
	})
	e.mu.Unlock()

	if tries == 1 {
		logger.Warn("config entry not ready yet, retrying in background", "err", cause, "retry_in", wait.Round(time.Second))
		return
	}
	logger.Debug("config entry not ready yet, retrying in background", "err", cause, "retry_in", wait.Round(time.Second))
}

func (m *EntryManager) stopRetry(e *ConfigEntry) {
	e.mu.Lock()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	e.mu.Unlock()
}

// Unload tears the entry down and leaves it not loaded.
func (m *EntryManager) Unload(ctx context.Context, entryID string) error {
	e, ok := m.Get(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return m.unload(ctx, e)
}

func (m *EntryManager) unload(ctx context.Context, e *ConfigEntry) error {
	m.stopRetry(e)
	var err error
	if e.State() == EntryLoaded {
		if integ, ok := m.hub.Integration(e.Domain); ok {
			err = integ.UnloadEntry(ctx, e)
		}
	}
	e.runUnloadCallbacks()
	m.hub.RemoveEntities(e.EntryID)
	if e.State() != EntryNotLoaded {
		m.setState(e, EntryNotLoaded, "")
	}
	if err != nil {
		return fmt.Errorf("unload %s: %w", e.EntryID, err)
	}
	return nil
}

// Reload unloads and sets the entry up again.
func (m *EntryManager) Reload(ctx context.Context, entryID string) error {
	e, ok := m.Get(entryID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if err := m.unload(ctx, e); err != nil {
		m.logger.Warn("reload: unload failed", "entry", entryID, "err", err)
	}
	return m.setup(ctx, e)
}

// ScheduleReload reloads the entry in the background.
func (m *EntryManager) ScheduleReload(entryID string) {
	m.hub.BackgroundTask("entry reload", func(ctx context.Context) {
		if err := m.Reload(ctx, entryID); err != nil {
			m.logger.Error("reload entry", "entry", entryID, "err", err)
		}
	})
}

// Remove unloads the entry and deletes it with its entities and devices.
func (m *EntryManager) Remove(ctx context.Context, entryID string) error {
	if err := m.Unload(ctx, entryID); err != nil {
		m.logger.Warn("remove: unload failed", "entry", entryID, "err", err)
	}
	for _, rec := range m.hub.Entities.ForConfigEntry(entryID) {
		if err := m.hub.Entities.Remove(rec.EntityID); err != nil {
			return err
		}
	}
	if err := m.hub.Devices.RemoveConfigEntry(entryID); err != nil {
		return err
	}
	m.hub.Flows.AbortForEntry(entryID)
	if err := m.hub.store.DeleteEntry(entryID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	m.mu.Lock()
	delete(m.entries, entryID)
	m.mu.Unlock()
	return nil
}

// StartReauth opens a reauth flow for the entry unless one is already open.
func (m *EntryManager) StartReauth(e *ConfigEntry) {
	m.hub.Flows.Start(e.Domain, SourceReauth, e.EntryID, e.UniqueID(), map[string]any{
		"title": e.Title(),
		"host":  e.String("host"),
	})
}

func (m *EntryManager) setState(e *ConfigEntry, st EntryState, reason string) {
	e.mu.Lock()
	e.state = st
	e.reason = reason
	e.mu.Unlock()
	m.hub.Bus.Emit(Event{Type: EventEntryStateChanged, Data: map[string]any{
		"entry_id": e.EntryID,
		"domain":   e.Domain,
		"state":    st,
		"reason":   reason,
	}})
}
