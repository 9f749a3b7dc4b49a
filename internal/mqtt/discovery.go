//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"kasa-go-home/internal/platform"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/kasa_AABBCCDDEEFF/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
	SWVersion    string      `json:"sw_version,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string           `json:"name"`
	UniqueID            string           `json:"unique_id"`
	ObjectID            string           `json:"object_id,omitempty"`
	StateTopic          string           `json:"state_topic"`
	CommandTopic        string           `json:"command_topic,omitempty"`
	Availability        []haAvailability `json:"availability"`
	AvailabilityMode    string           `json:"availability_mode"`
	ValueTemplate       string           `json:"value_template,omitempty"`
	UnitOfMeasurement   string           `json:"unit_of_measurement,omitempty"`
	StateClass          string           `json:"state_class,omitempty"`
	EntityCategory      string           `json:"entity_category,omitempty"`
	PayloadOn           string           `json:"payload_on,omitempty"`
	PayloadOff          string           `json:"payload_off,omitempty"`
	Min                 *float64         `json:"min,omitempty"`
	Max                 *float64         `json:"max,omitempty"`
	BrightnessScale     int              `json:"brightness_scale,omitempty"`
	SupportedColorModes []string         `json:"supported_color_modes,omitempty"`
	ColorTempKelvin     bool             `json:"color_temp_kelvin,omitempty"`
	MinKelvin           int              `json:"min_kelvin,omitempty"`
	MaxKelvin           int              `json:"max_kelvin,omitempty"`
	Schema              string           `json:"schema,omitempty"`
	Device              haDevice         `json:"device"`
}

// nodeID returns the discovery node id of an entity.
func nodeID(uniqueID string) string {
	return "kasa_" + topicSafe(uniqueID)
}

// topicSafe keeps only characters HA accepts in discovery ids.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

func stateTopic(prefix, entityID string) string   { return prefix + "/" + entityID + "/state" }
func commandTopic(prefix, entityID string) string { return prefix + "/" + entityID + "/set" }
func availabilityTopic(prefix, entityID string) string {
	return prefix + "/" + entityID + "/availability"
}

func discoveryTopic(domain, uniqueID string) string {
	return fmt.Sprintf("homeassistant/%s/%s/config", domain, nodeID(uniqueID))
}

// buildDiscovery generates the HA discovery message for a live entity.
// Entity domains without an MQTT counterpart report false.
func buildDiscovery(e platform.Entity, prefix string) (discoveryMsg, bool) {
	entityID := e.EntityID()
	_, objectID, _ := strings.Cut(entityID, ".")
	attrs := e.Attributes()

	p := haDiscovery{
		Name:             e.Name(),
		UniqueID:         nodeID(e.UniqueID()),
		ObjectID:         objectID,
		StateTopic:       stateTopic(prefix, entityID),
		AvailabilityMode: "all",
		EntityCategory:   string(e.EntityCategory()),
		Device:           haDeviceFor(e.DeviceInfo()),
	}
	p.Availability = []haAvailability{
		{Topic: prefix + "/bridge/state"},
		{Topic: availabilityTopic(prefix, entityID)},
	}
	if p.Name == "" {
		p.Name = p.Device.Name
	}

	switch e.Domain() {
	case "switch":
		p.CommandTopic = commandTopic(prefix, entityID)
		p.ValueTemplate = "{{ value_json.state }}"
		p.PayloadOn, p.PayloadOff = "ON", "OFF"
	case "light":
		p.CommandTopic = commandTopic(prefix, entityID)
		p.Schema = "json"
		p.BrightnessScale = 255
		p.SupportedColorModes = stringList(attrs["supported_color_modes"])
		if minK, ok := attrs["min_color_temp_kelvin"].(int); ok {
			p.ColorTempKelvin = true
			p.MinKelvin = minK
			p.MaxKelvin, _ = attrs["max_color_temp_kelvin"].(int)
		}
	case "sensor":
		p.ValueTemplate = "{{ value_json.state }}"
		p.UnitOfMeasurement, _ = attrs["unit_of_measurement"].(string)
		if p.UnitOfMeasurement != "" {
			p.StateClass = "measurement"
		}
	case "binary_sensor":
		p.ValueTemplate = "{{ value_json.state }}"
		p.PayloadOn, p.PayloadOff = "ON", "OFF"
	case "number":
		p.CommandTopic = commandTopic(prefix, entityID)
		p.ValueTemplate = "{{ value_json.state }}"
		p.UnitOfMeasurement, _ = attrs["unit_of_measurement"].(string)
		if v, ok := toFloat64(attrs["min"]); ok {
			p.Min = &v
		}
		if v, ok := toFloat64(attrs["max"]); ok {
			p.Max = &v
		}
	default:
		return discoveryMsg{}, false
	}
	return discoveryMsg{Topic: discoveryTopic(e.Domain(), e.UniqueID()), Payload: mustJSON(p)}, true
}

func haDeviceFor(info *platform.DeviceInfo) haDevice {
	if info == nil {
		return haDevice{}
	}
	d := haDevice{
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Name:         info.Name,
		SWVersion:    info.SWVersion,
	}
	for _, id := range info.Identifiers {
		d.Identifiers = append(d.Identifiers, id.String())
	}
	for _, c := range info.Connections {
		d.Connections = append(d.Connections, [2]string{c.Type, c.Value})
	}
	if info.ViaDevice != nil {
		d.ViaDevice = info.ViaDevice.String()
	}
	return d
}

// buildRemoveDiscovery generates the empty retained message that removes an
// entity from HA.
func buildRemoveDiscovery(domain, uniqueID string) discoveryMsg {
	return discoveryMsg{Topic: discoveryTopic(domain, uniqueID)}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
