package tplink

import (
	"context"
	"errors"
	"fmt"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/platform"
	"kasa-go-home/internal/store"
)

// Flow abort reasons and form errors.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonReauthSuccessful  = "reauth_successful"
	ReasonEntryNotFound     = "entry_not_found"

	ErrorInvalidAuth   = "invalid_auth"
	ErrorCannotConnect = "cannot_connect"
)

// HandleFlow processes one step of a tplink flow. A nil input asks for
// the form.
func (i *Integration) HandleFlow(ctx context.Context, flow *platform.Flow, input map[string]any) (platform.FlowResult, error) {
	if input == nil {
		return platform.FlowResult{Type: platform.ResultForm}, nil
	}
	switch flow.Source {
	case platform.SourceReauth:
		return i.reauthFlow(ctx, flow, input)
	case platform.SourceIntegrationDiscovery:
		return i.discoveryFlow(ctx, flow)
	case platform.SourceUser:
		return i.userFlow(ctx, input)
	}
	return platform.FlowResult{}, fmt.Errorf("unsupported flow source %q", flow.Source)
}

// reauthFlow checks new credentials against the device and reloads the
// entry with them.
func (i *Integration) reauthFlow(ctx context.Context, flow *platform.Flow, input map[string]any) (platform.FlowResult, error) {
	entry, ok := i.hub.Entries.Get(flow.EntryID)
	if !ok {
		return abort(ReasonEntryNotFound), nil
	}
	username, _ := input[ConfUsername].(string)
	password, _ := input[ConfPassword].(string)

	host := entry.String(ConfHost)
	raw, _ := entry.Get(ConfDeviceConfig)
	cfg := i.deviceConfig(host, raw, i.logger.With("host", host))
	cfg.Credentials = &kasa.Credentials{Username: username, Password: password}

	dev, err := i.client.Connect(ctx, cfg)
	if err != nil {
		i.logger.Debug("reauth connect failed", "host", host, "err", err)
		return formError(err), nil
	}
	dev.Close()

	i.SetCredentials(username, password)
	i.hub.Entries.ScheduleReload(entry.EntryID)
	return abort(ReasonReauthSuccessful), nil
}

// discoveryFlow creates an entry for a device found by discovery.
func (i *Integration) discoveryFlow(ctx context.Context, flow *platform.Flow) (platform.FlowResult, error) {
	if _, ok := i.hub.Entries.ByUniqueID(Domain, flow.UniqueID); ok {
		return abort(ReasonAlreadyConfigured), nil
	}
	str := func(k string) string {
		s, _ := flow.Data[k].(string)
		return s
	}
	data := map[string]any{
		ConfHost:  str(ConfHost),
		ConfAlias: str(ConfAlias),
		ConfModel: str(ConfModel),
	}
	if cfg, ok := flow.Data[ConfDeviceConfig]; ok {
		data[ConfDeviceConfig] = cfg
	}
	return i.createEntry(ctx, str(ConfAlias), flow.UniqueID, platform.SourceIntegrationDiscovery, data)
}

// userFlow adds a device by host.
func (i *Integration) userFlow(ctx context.Context, input map[string]any) (platform.FlowResult, error) {
	host, _ := input[ConfHost].(string)
	if host == "" {
		return platform.FlowResult{Type: platform.ResultForm, Errors: map[string]string{ConfHost: "required"}}, nil
	}
	cfg := i.deviceConfig(host, nil, i.logger.With("host", host))
	dev, err := i.client.Connect(ctx, cfg)
	if err != nil {
		i.logger.Debug("user flow connect failed", "host", host, "err", err)
		return formError(err), nil
	}
	defer dev.Close()

	mac := platform.FormatMAC(dev.MAC())
	if _, ok := i.hub.Entries.ByUniqueID(Domain, mac); ok {
		return abort(ReasonAlreadyConfigured), nil
	}
	title := dev.Alias()
	if title == "" {
		title = dev.Model() + " " + MACAlias(mac)
	}
	return i.createEntry(ctx, title, mac, platform.SourceUser, map[string]any{
		ConfHost:         host,
		ConfAlias:        dev.Alias(),
		ConfModel:        dev.Model(),
		ConfDeviceConfig: dev.Config().ToMap(dev.CredentialsHash()),
	})
}

func (i *Integration) createEntry(ctx context.Context, title, uniqueID, source string, data map[string]any) (platform.FlowResult, error) {
	entry, err := i.hub.Entries.Add(store.ConfigEntry{
		Domain:       Domain,
		Title:        title,
		UniqueID:     uniqueID,
		Source:       source,
		Version:      VersionMajor,
		MinorVersion: VersionMinor,
		Data:         data,
	})
	if err != nil {
		return platform.FlowResult{}, err
	}
	if err := i.hub.Entries.Setup(ctx, entry.EntryID); err != nil {
		i.logger.Error("setup new entry", "entry", title, "err", err)
	}
	return platform.FlowResult{Type: platform.ResultCreateEntry, EntryID: entry.EntryID}, nil
}

func formError(err error) platform.FlowResult {
	code := ErrorCannotConnect
	if errors.Is(err, kasa.ErrAuthentication) {
		code = ErrorInvalidAuth
	}
	return platform.FlowResult{Type: platform.ResultForm, Errors: map[string]string{"base": code}}
}

func abort(reason string) platform.FlowResult {
	return platform.FlowResult{Type: platform.ResultAbort, Reason: reason}
}
