package kasa

import (
	"fmt"
	"time"
)

// DefaultPort is the TCP and UDP port of the legacy IOT protocol.
const DefaultPort = 9999

// Encryption types.
const (
	EncryptXOR  = "XOR"
	EncryptKLAP = "KLAP"
	EncryptAES  = "AES"
)

// Credentials are the cloud account used by newer firmware.
type Credentials struct {
	Username string
	Password string
}

// ConnectionType identifies the protocol family of a device.
type ConnectionType struct {
	DeviceFamily   string
	EncryptionType string
	LoginVersion   int
	HTTPS          bool
}

// DeviceConfig is everything needed to open a session to a device.
type DeviceConfig struct {
	Host            string
	Port            int
	Timeout         time.Duration
	Credentials     *Credentials
	CredentialsHash string
	ConnectionType  ConnectionType
	UsesHTTP        bool
}

// NewDeviceConfig returns the default config for a legacy device at host.
func NewDeviceConfig(host string) *DeviceConfig {
	return &DeviceConfig{
		Host:    host,
		Port:    DefaultPort,
		Timeout: 5 * time.Second,
		ConnectionType: ConnectionType{
			DeviceFamily:   "IOT.SMARTPLUGSWITCH",
			EncryptionType: EncryptXOR,
		},
	}
}

// ToMap serializes the config for storage. Credentials are never included;
// credentialsHash is stored in their place when set.
func (c *DeviceConfig) ToMap(credentialsHash string) map[string]any {
	m := map[string]any{
		"host":    c.Host,
		"timeout": int(c.Timeout / time.Second),
		"connection_type": map[string]any{
			"device_family":   c.ConnectionType.DeviceFamily,
			"encryption_type": c.ConnectionType.EncryptionType,
			"login_version":   c.ConnectionType.LoginVersion,
			"https":           c.ConnectionType.HTTPS,
		},
		"uses_http": c.UsesHTTP,
	}
	if c.Port != 0 && c.Port != DefaultPort {
		m["port_override"] = c.Port
	}
	if credentialsHash != "" {
		m["credentials_hash"] = credentialsHash
	}
	return m
}

// DeviceConfigFromMap parses a map produced by ToMap. Unknown keys and
// mistyped values fail with ErrInvalidConfig.
func DeviceConfigFromMap(m map[string]any) (*DeviceConfig, error) {
	c := NewDeviceConfig("")
	for k, v := range m {
		var err error
		switch k {
		case "host":
			c.Host, err = asString(k, v)
		case "timeout":
			var n int
			n, err = asInt(k, v)
			c.Timeout = time.Duration(n) * time.Second
		case "port_override":
			c.Port, err = asInt(k, v)
		case "credentials_hash":
			c.CredentialsHash, err = asString(k, v)
		case "uses_http":
			c.UsesHTTP, err = asBool(k, v)
		case "connection_type":
			c.ConnectionType, err = connectionTypeFromMap(v)
		default:
			err = fmt.Errorf("unknown key %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if _, ok := m["connection_type"]; !ok {
		return nil, fmt.Errorf("%w: missing connection_type", ErrInvalidConfig)
	}
	return c, nil
}

func connectionTypeFromMap(v any) (ConnectionType, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return ConnectionType{}, fmt.Errorf("connection_type: want object, got %T", v)
	}
	var (
		ct  ConnectionType
		err error
	)
	for k, v := range m {
		switch k {
		case "device_family":
			ct.DeviceFamily, err = asString(k, v)
		case "encryption_type":
			ct.EncryptionType, err = asString(k, v)
		case "login_version":
			if v != nil {
				ct.LoginVersion, err = asInt(k, v)
			}
		case "https":
			ct.HTTPS, err = asBool(k, v)
		default:
			err = fmt.Errorf("connection_type: unknown key %q", k)
		}
		if err != nil {
			return ConnectionType{}, err
		}
	}
	if ct.DeviceFamily == "" || ct.EncryptionType == "" {
		return ConnectionType{}, fmt.Errorf("connection_type: device_family and encryption_type are required")
	}
	return ct, nil
}

func asString(k string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %T", k, v)
	}
	return s, nil
}

func asBool(k string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: want bool, got %T", k, v)
	}
	return b, nil
}

func asInt(k string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s: %v is not an integer", k, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%s: want number, got %T", k, v)
}
