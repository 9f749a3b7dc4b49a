package store

import "time"

// ConfigEntry is the persisted part of an integration config entry.
type ConfigEntry struct {
	EntryID      string         `json:"entry_id"`
	Domain       string         `json:"domain"`
	Title        string         `json:"title"`
	UniqueID     string         `json:"unique_id,omitempty"`
	Source       string         `json:"source,omitempty"`
	Version      int            `json:"version"`
	MinorVersion int            `json:"minor_version"`
	Data         map[string]any `json:"data"`
	CreatedAt    time.Time      `json:"created_at"`
	ModifiedAt   time.Time      `json:"modified_at"`
}

// EntityEntry is an entity registry record.
type EntityEntry struct {
	EntityID       string    `json:"entity_id"`
	UniqueID       string    `json:"unique_id"`
	Platform       string    `json:"platform"`
	Domain         string    `json:"domain"`
	ConfigEntryID  string    `json:"config_entry_id,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	OriginalName   string    `json:"original_name,omitempty"`
	EntityCategory string    `json:"entity_category,omitempty"`
	DisabledBy     string    `json:"disabled_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Identifier is a (domain, id) pair naming a device inside an integration.
type Identifier struct {
	Domain string `json:"domain"`
	ID     string `json:"id"`
}

func (i Identifier) String() string { return i.Domain + ":" + i.ID }

// Connection is a (type, value) pair such as ("mac", "aa:bb:cc:dd:ee:ff").
type Connection struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// DeviceEntry is a device registry record.
type DeviceEntry struct {
	ID            string       `json:"id"`
	ConfigEntries []string     `json:"config_entries"`
	Identifiers   []Identifier `json:"identifiers"`
	Connections   []Connection `json:"connections,omitempty"`
	Name          string       `json:"name,omitempty"`
	Manufacturer  string       `json:"manufacturer,omitempty"`
	Model         string       `json:"model,omitempty"`
	SWVersion     string       `json:"sw_version,omitempty"`
	HWVersion     string       `json:"hw_version,omitempty"`
	ViaDeviceID   string       `json:"via_device_id,omitempty"`
	ModifiedAt    time.Time    `json:"modified_at"`
}
