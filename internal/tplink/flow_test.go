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

func TestReauthFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.set(nil, fmt.Errorf("%w: bad credentials", kasa.ErrAuthentication))
	entry := env.addEntry(t, nil)
	require.NoError(t, env.hub.Entries.Setup(ctx, entry.EntryID))

	flows := env.hub.Flows.InProgress(Domain, platform.SourceReauth)
	require.Len(t, flows, 1)
	flowID := flows[0].FlowID

	res, err := env.hub.Flows.Configure(ctx, flowID, nil)
	require.NoError(t, err)
	assert.Equal(t, platform.ResultForm, res.Type)

	res, err = env.hub.Flows.Configure(ctx, flowID, map[string]any{ConfUsername: "user", ConfPassword: "wrong"})
	require.NoError(t, err)
	assert.Equal(t, platform.ResultForm, res.Type)
	assert.Equal(t, map[string]string{"base": ErrorInvalidAuth}, res.Errors)
	assert.Len(t, env.hub.Flows.InProgress(Domain, platform.SourceReauth), 1)

	env.client.set(newPlug("my_plug"), nil)
	res, err = env.hub.Flows.Configure(ctx, flowID, map[string]any{ConfUsername: "user", ConfPassword: "secret"})
	require.NoError(t, err)
	assert.Equal(t, platform.ResultAbort, res.Type)
	assert.Equal(t, ReasonReauthSuccessful, res.Reason)
	env.hub.BlockTillDone()

	assert.Equal(t, platform.EntryLoaded, entry.State())
	assert.Empty(t, env.hub.Flows.InProgress(Domain, platform.SourceReauth))
	creds := env.integ.credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "secret", creds.Password)
	assert.Equal(t, "secret", env.client.config().Credentials.Password)
}

func TestReauthFlowCannotConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.set(nil, fmt.Errorf("%w: bad credentials", kasa.ErrAuthentication))
	entry := env.addEntry(t, nil)
	require.NoError(t, env.hub.Entries.Setup(ctx, entry.EntryID))
	flowID := env.hub.Flows.InProgress(Domain, platform.SourceReauth)[0].FlowID

	env.client.set(nil, fmt.Errorf("%w: timed out", kasa.ErrTimeout))
	res, err := env.hub.Flows.Configure(ctx, flowID, map[string]any{ConfUsername: "user", ConfPassword: "secret"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": ErrorCannotConnect}, res.Errors)
	_, stored := env.hub.Data(Domain, ConfAuthentication)
	assert.False(t, stored)
}

func TestDiscoveryFlowCreatesEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dev := newPlug("my_plug")
	env.client.set(dev, nil)

	flow, created := env.hub.Flows.Start(Domain, platform.SourceIntegrationDiscovery, "", entryMAC, map[string]any{
		ConfAlias:        "my_plug",
		ConfHost:         testHost,
		ConfModel:        dev.Model(),
		ConfDeviceConfig: dev.Config().ToMap(""),
	})
	require.True(t, created)

	res, err := env.hub.Flows.Configure(ctx, flow.FlowID, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, platform.ResultCreateEntry, res.Type)

	entry, ok := env.hub.Entries.Get(res.EntryID)
	require.True(t, ok)
	assert.Equal(t, "my_plug", entry.Title())
	assert.Equal(t, entryMAC, entry.UniqueID())
	assert.Equal(t, platform.SourceIntegrationDiscovery, entry.Source)
	major, minor := entry.Versions()
	assert.Equal(t, [2]int{VersionMajor, VersionMinor}, [2]int{major, minor})
	assert.Equal(t, platform.EntryLoaded, entry.State())
	assert.Equal(t, platform.StateOn, env.state(t, "switch.my_plug"))

	again, _ := env.hub.Flows.Start(Domain, platform.SourceIntegrationDiscovery, "", entryMAC, nil)
	res, err = env.hub.Flows.Configure(ctx, again.FlowID, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, platform.ResultAbort, res.Type)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
}

func TestUserFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.set(newPlug("my_plug"), nil)

	flow, _ := env.hub.Flows.Start(Domain, platform.SourceUser, "", "", nil)
	res, err := env.hub.Flows.Configure(ctx, flow.FlowID, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ConfHost: "required"}, res.Errors)

	res, err = env.hub.Flows.Configure(ctx, flow.FlowID, map[string]any{ConfHost: testHost})
	require.NoError(t, err)
	require.Equal(t, platform.ResultCreateEntry, res.Type)

	entry, ok := env.hub.Entries.ByUniqueID(Domain, entryMAC)
	require.True(t, ok)
	assert.Equal(t, res.EntryID, entry.EntryID)
	assert.Equal(t, testHost, entry.String(ConfHost))
}
