package tplink

import (
	"slices"
	"strconv"
	"strings"

	"kasa-go-home/internal/kasa"
)

// LegacyDeviceID returns the id older releases used for a device. Outlet ids
// are prefixed with the parent MAC, which is dropped here.
func LegacyDeviceID(dev kasa.Device) string {
	id := dev.DeviceID()
	if !strings.Contains(id, "_") {
		return id
	}
	return strings.Split(id, "_")[1]
}

// RolloutUniqueID is the unique id of a device's main entity: the MAC
// without separators, upper-cased.
func RolloutUniqueID(mac string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(mac))
}

// MACAlias shortens a MAC to its last four hex digits for display.
func MACAlias(mac string) string {
	s := strings.ReplaceAll(mac, ":", "")
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return strings.ToUpper(s)
}

// DeviceName picks a display name. Devices without an alias are named after
// their type, numbered when the parent has several children of that type.
func DeviceName(dev, parent kasa.Device) string {
	if alias := dev.Alias(); alias != "" {
		return alias
	}
	if parent == nil {
		return "Unnamed " + dev.Model()
	}
	var ids []string
	for _, c := range parent.Children() {
		if c.DeviceType() == dev.DeviceType() {
			ids = append(ids, c.DeviceID())
		}
	}
	name := capitalize(string(dev.DeviceType()))
	if len(ids) > 1 {
		name += " " + strconv.Itoa(slices.Index(ids, dev.DeviceID())+1)
	}
	return name
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
