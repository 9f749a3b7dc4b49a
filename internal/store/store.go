package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Config entries
	SaveEntry(e *ConfigEntry) error
	GetEntry(entryID string) (*ConfigEntry, error)
	DeleteEntry(entryID string) error
	ListEntries() ([]*ConfigEntry, error)

	// UpdateEntry atomically reads, modifies, and saves an entry in a single
	// transaction. Returns ErrNotFound if the entry does not exist.
	UpdateEntry(entryID string, fn func(e *ConfigEntry) error) error

	// Entity registry
	SaveEntity(e *EntityEntry) error
	DeleteEntity(entityID string) error
	ListEntities() ([]*EntityEntry, error)

	// Device registry
	SaveDeviceEntry(d *DeviceEntry) error
	DeleteDeviceEntry(id string) error
	ListDeviceEntries() ([]*DeviceEntry, error)

	// Close the store
	Close() error
}
