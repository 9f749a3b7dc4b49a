package tplink

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
)

func TestDiscoveryCallCounts(t *testing.T) {
	env := newTestEnv(t, WithBroadcastAddresses(func() ([]string, error) {
		return []string{"192.168.1.255", "10.0.0.255"}, nil
	}))
	env.addEntry(t, nil)

	require.NoError(t, env.integ.Setup(context.Background()))
	env.hub.BlockTillDone()

	discovers, singles := env.client.counts()
	assert.Equal(t, 2, discovers)
	assert.Equal(t, 1, singles)

	for n := 1; n <= 3; n++ {
		env.tick(DiscoveryInterval)
		discovers, singles = env.client.counts()
		assert.Equal(t, 2*(n+1), discovers)
		assert.Equal(t, n+1, singles)
	}

	env.integ.Shutdown()
	env.tick(DiscoveryInterval)
	discovers, _ = env.client.counts()
	assert.Equal(t, 8, discovers)
}

func TestDiscoveryProbesStaticHosts(t *testing.T) {
	env := newTestEnv(t, WithHosts("192.168.2.10", testHost))
	env.addEntry(t, nil)

	require.NoError(t, env.integ.Setup(context.Background()))
	env.hub.BlockTillDone()

	_, singles := env.client.counts()
	assert.Equal(t, 2, singles)
}

func TestDiscoveryStartsFlowForNewDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := newPlug("")
	dev.mac = "11:22:33:44:55:66"
	dev.host = "192.168.1.50"
	env.client.discovered = map[string]kasa.Device{dev.host: dev}

	require.NoError(t, env.integ.Setup(context.Background()))
	env.hub.BlockTillDone()
	env.tick(DiscoveryInterval)

	flows := env.hub.Flows.InProgress(Domain, platform.SourceIntegrationDiscovery)
	require.Len(t, flows, 1)
	assert.Equal(t, "11:22:33:44:55:66", flows[0].UniqueID)
	assert.Equal(t, "5566", flows[0].Data[ConfAlias])
	assert.Equal(t, "192.168.1.50", flows[0].Data[ConfHost])
	assert.Contains(t, flows[0].Data, ConfDeviceConfig)
}

func TestDiscoveryFollowsMovedDevice(t *testing.T) {
	env := newTestEnv(t)
	env.client.set(nil, fmt.Errorf("%w: host unreachable", kasa.ErrTimeout))
	entry := env.addEntry(t, nil)
	require.NoError(t, env.hub.Entries.Setup(context.Background(), entry.EntryID))
	require.Equal(t, platform.EntrySetupRetry, entry.State())

	moved := newPlug("my_plug")
	moved.host = "192.168.1.77"
	env.client.discovered = map[string]kasa.Device{moved.host: moved}
	env.client.set(moved, nil)

	require.NoError(t, env.integ.Setup(context.Background()))
	env.hub.BlockTillDone()

	assert.Equal(t, "192.168.1.77", entry.String(ConfHost))
	assert.Equal(t, platform.EntryLoaded, entry.State())
	assert.Equal(t, "192.168.1.77", env.client.config().Host)
	assert.Empty(t, env.hub.Flows.InProgress(Domain, platform.SourceIntegrationDiscovery))
}
