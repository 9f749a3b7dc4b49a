// Package tplink integrates TP-Link Kasa devices with the hub: config entry
// setup, discovery, polling and the entities each device exposes.
package tplink

import "time"

// Domain is the integration domain and entity platform name.
const Domain = "tplink"

// Config entry data keys.
const (
	ConfHost           = "host"
	ConfAlias          = "alias"
	ConfModel          = "model"
	ConfMAC            = "mac"
	ConfDeviceConfig   = "device_config"
	ConfAuthentication = "authentication"
	ConfUsername       = "username"
	ConfPassword       = "password"
)

const (
	DiscoveryInterval = 15 * time.Minute
	DiscoveryTimeout  = 5 * time.Second
	ConnectTimeout    = 5 * time.Second

	parentPollInterval = 5 * time.Second
	// Strip outlets answer energy queries one at a time, so they poll slower.
	childPollInterval = 60 * time.Second
)

// Config entry schema version.
const (
	VersionMajor = 1
	VersionMinor = 3
)

const manufacturer = "TP-Link"
