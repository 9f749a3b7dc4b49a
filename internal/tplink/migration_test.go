package tplink

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

func TestUnlinkChildIdentifiers(t *testing.T) {
	const mac = "C0:06:C3:42:54:2B"
	tests := []struct {
		name    string
		base    string
		message string
		keep    int
	}{
		{"success", "C0:06:C3:42:54:2B", "replaced identifiers for device", 1},
		{"failure", "123456789", "unable to replace identifiers for device", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.client.set(nil, fmt.Errorf("%w: offline", kasa.ErrTimeout))
			entry, err := env.hub.Entries.Add(store.ConfigEntry{
				Domain:       Domain,
				Title:        "dummy",
				UniqueID:     "any",
				Version:      1,
				MinorVersion: 2,
				Data:         map[string]any{ConfHost: testHost},
			})
			require.NoError(t, err)

			ids := []store.Identifier{
				{Domain: Domain, ID: tt.base},
				{Domain: Domain, ID: tt.base + "_0001"},
				{Domain: Domain, ID: tt.base + "_0002"},
			}
			conns := []store.Connection{{Type: platform.ConnectionMAC, Value: strings.ToLower(mac)}}
			_, err = env.hub.Devices.GetOrCreate(entry.EntryID, platform.DeviceInfo{
				Identifiers: ids,
				Connections: conns,
				Model:       "hs300",
				Name:        "dummy",
			})
			require.NoError(t, err)

			require.NoError(t, env.hub.Entries.Setup(context.Background(), entry.EntryID))

			devs := env.hub.Devices.ForConfigEntry(entry.EntryID)
			require.Len(t, devs, 1)
			assert.ElementsMatch(t, ids[:tt.keep], devs[0].Identifiers)
			assert.Equal(t, conns, devs[0].Connections)

			major, minor := entry.Versions()
			assert.Equal(t, 1, major)
			assert.Equal(t, 3, minor)

			logs := env.logs.String()
			assert.Contains(t, logs, tt.message)
			assert.Contains(t, logs, "device=dummy model=hs300")
			assert.Equal(t, platform.EntrySetupRetry, entry.State())
		})
	}
}

func TestUnlinkChildIdentifiersContinuesAfterConflict(t *testing.T) {
	const (
		entryID = "strips"
		goodMAC = "C0:06:C3:42:54:2B"
		badMAC  = "C0:06:C3:42:54:2C"
	)
	goodIDs := []store.Identifier{
		{Domain: Domain, ID: goodMAC},
		{Domain: Domain, ID: goodMAC + "_0001"},
	}
	env := newSeededEnv(t, func(st store.Store) {
		require.NoError(t, st.SaveEntry(&store.ConfigEntry{
			EntryID: entryID, Domain: Domain, Title: "strips", UniqueID: entryMAC,
			Version: 1, MinorVersion: 2, Data: map[string]any{ConfHost: testHost},
		}))
		// Sorted by name, the rejected device is processed first.
		require.NoError(t, st.SaveDeviceEntry(&store.DeviceEntry{
			ID: "bad", ConfigEntries: []string{entryID}, Name: "hallway", Model: "hs300",
			Identifiers: []store.Identifier{{Domain: Domain, ID: badMAC}, {Domain: Domain, ID: badMAC + "_0001"}},
			Connections: []store.Connection{{Type: platform.ConnectionMAC, Value: platform.FormatMAC(badMAC)}},
		}))
		require.NoError(t, st.SaveDeviceEntry(&store.DeviceEntry{
			ID: "good", ConfigEntries: []string{entryID}, Name: "kitchen", Model: "hs300",
			Identifiers: goodIDs,
			Connections: []store.Connection{{Type: platform.ConnectionMAC, Value: platform.FormatMAC(goodMAC)}},
		}))
		require.NoError(t, st.SaveDeviceEntry(&store.DeviceEntry{
			ID: "leftover", Name: "leftover",
			Identifiers: []store.Identifier{{Domain: Domain, ID: badMAC}},
		}))
	})
	env.client.set(nil, fmt.Errorf("%w: offline", kasa.ErrTimeout))

	require.NoError(t, env.hub.Entries.Setup(context.Background(), entryID))

	good, ok := env.hub.Devices.Get("good")
	require.True(t, ok)
	assert.Equal(t, goodIDs[:1], good.Identifiers)

	bad, ok := env.hub.Devices.Get("bad")
	require.True(t, ok)
	assert.Len(t, bad.Identifiers, 2)

	entry, ok := env.hub.Entries.Get(entryID)
	require.True(t, ok)
	_, minor := entry.Versions()
	assert.Equal(t, 3, minor)

	logs := env.logs.String()
	assert.Contains(t, logs, "unable to replace identifiers for device")
	assert.Contains(t, logs, platform.ErrIdentifierConflict.Error())
	assert.Contains(t, logs, "replaced=1 failed=1")
}

func TestMigrationRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	entry, err := env.hub.Entries.Add(store.ConfigEntry{
		Domain: Domain, Title: "dummy", UniqueID: entryMAC, Version: 1, MinorVersion: 2,
		Data: map[string]any{ConfHost: testHost},
	})
	require.NoError(t, err)

	ok, err := env.integ.MigrateEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, ok)
	env.logs.Reset()

	ok, err = env.integ.MigrateEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, env.logs.String(), "migration successful")

	_, minor := entry.Versions()
	assert.Equal(t, 3, minor)
}

func TestMigrationSkipsSingleIdentifierDevices(t *testing.T) {
	env := newTestEnv(t)
	entry, err := env.hub.Entries.Add(store.ConfigEntry{
		Domain: Domain, Title: "dummy", UniqueID: entryMAC, Version: 1, MinorVersion: 1,
		Data: map[string]any{ConfHost: testHost},
	})
	require.NoError(t, err)
	ids := []store.Identifier{{Domain: Domain, ID: "not-a-mac"}}
	_, err = env.hub.Devices.GetOrCreate(entry.EntryID, platform.DeviceInfo{
		Identifiers: ids,
		Connections: []store.Connection{{Type: platform.ConnectionMAC, Value: entryMAC}},
	})
	require.NoError(t, err)

	_, err = env.integ.MigrateEntry(context.Background(), entry)
	require.NoError(t, err)

	devs := env.hub.Devices.ForConfigEntry(entry.EntryID)
	require.Len(t, devs, 1)
	assert.Equal(t, ids, devs[0].Identifiers)
	assert.NotContains(t, env.logs.String(), "identifiers for device")
}
