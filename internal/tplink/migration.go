package tplink

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

type migrationStep struct {
	major, minor int
	name         string
	run          func(i *Integration, entry *platform.ConfigEntry)
}

// migrations run in order for entries older than the step. Each step bumps
// the entry minor version.
var migrations = []migrationStep{
	{major: 1, minor: 3, name: "unlink_child_identifiers", run: (*Integration).unlinkChildIdentifiers},
}

// MigrateEntry upgrades entries written by older versions.
func (i *Integration) MigrateEntry(_ context.Context, entry *platform.ConfigEntry) (bool, error) {
	major, minor := entry.Versions()
	logger := i.logger.With("entry", entry.Title())
	logger.Debug("migrating config entry", "from", fmt.Sprintf("%d.%d", major, minor))

	for _, step := range migrations {
		if major != step.major || minor >= step.minor {
			continue
		}
		step.run(i, entry)
		next := step.minor
		if _, err := i.hub.Entries.Update(entry, platform.EntryUpdate{MinorVersion: &next}); err != nil {
			return false, fmt.Errorf("migration %s: %w", step.name, err)
		}
		minor = next
		logger.Debug("migration successful", "step", step.name, "to", fmt.Sprintf("%d.%d", major, minor))
	}
	return true, nil
}

// unlinkChildIdentifiers splits devices that older releases merged with
// their outlets. Such a device carries the identifiers of every outlet next
// to its own; only the identifier equal to the MAC is kept.
func (i *Integration) unlinkChildIdentifiers(entry *platform.ConfigEntry) {
	var replaced, failed int
	for _, dev := range i.hub.Devices.ForConfigEntry(entry.EntryID) {
		if len(dev.Identifiers) < 2 {
			continue
		}
		mac := macConnection(dev)
		if mac == "" {
			continue
		}
		logger := i.logger.With("device", dev.Name, "model", dev.Model, "identifiers", identifierSet(dev.Identifiers))

		var keep []store.Identifier
		for _, id := range dev.Identifiers {
			if id.Domain == Domain && strings.EqualFold(id.ID, mac) {
				keep = []store.Identifier{id}
				break
			}
		}
		if keep == nil {
			logger.Error("unable to replace identifiers for device")
			failed++
			continue
		}
		if _, err := i.hub.Devices.UpdateDevice(dev.ID, platform.DeviceUpdate{NewIdentifiers: keep}); err != nil {
			logger.Error("unable to replace identifiers for device", "err", err)
			failed++
			continue
		}
		logger.Info("replaced identifiers for device", "new_identifiers", identifierSet(keep))
		replaced++
	}
	if replaced+failed > 0 {
		i.logger.Info("unlinked child identifiers", "entry", entry.Title(), "replaced", replaced, "failed", failed)
	}
}

func macConnection(dev store.DeviceEntry) string {
	for _, c := range dev.Connections {
		if c.Type == platform.ConnectionMAC {
			return c.Value
		}
	}
	return ""
}

func identifierSet(ids []store.Identifier) []string {
	out := make([]string, len(ids))
	for n, id := range ids {
		out[n] = id.String()
	}
	sort.Strings(out)
	return out
}
