package kasa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

// DiscoverOptions tune a discovery round.
type DiscoverOptions struct {
	// Port is the UDP port probed. Defaults to DefaultPort.
	Port int
	// Timeout is how long to wait for replies. Defaults to 5s.
	Timeout time.Duration
	// ConnectTimeout is copied into the config of discovered devices.
	ConnectTimeout time.Duration
	Credentials    *Credentials
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	return o
}

// Client implements Connector and Discoverer over the IOT protocol.
type Client struct {
	logger *slog.Logger
}

var (
	_ Connector  = (*Client)(nil)
	_ Discoverer = (*Client)(nil)
)

// NewClient creates a client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{logger: logger.With("component", "kasa")}
}

// Connect opens a session and performs the first update.
func (c *Client) Connect(ctx context.Context, cfg *DeviceConfig) (Device, error) {
	switch enc := cfg.ConnectionType.EncryptionType; enc {
	case "", EncryptXOR:
	case EncryptKLAP, EncryptAES:
		if cfg.Credentials == nil || cfg.Credentials.Username == "" {
			return nil, fmt.Errorf("%w: %s device at %s requires credentials", ErrAuthentication, enc, cfg.Host)
		}
		return nil, fmt.Errorf("%w: %s encryption", ErrNotSupported, enc)
	default:
		return nil, fmt.Errorf("%w: encryption type %q", ErrInvalidConfig, enc)
	}

	d := newIOTDevice(cfg)
	if err := d.Update(ctx); err != nil {
		d.Close()
		return nil, err
	}
	c.logger.Debug("connected", "host", cfg.Host, "model", d.Model(), "alias", d.Alias())
	return d, nil
}

var discoveryQuery = []byte(`{"system":{"get_sysinfo":{}}}`)

// Discover broadcasts a sysinfo probe to target and collects replies until
// the timeout elapses.
func (c *Client) Discover(ctx context.Context, target string, opts DiscoverOptions) (map[string]Device, error) {
	opts = opts.withDefaults()
	found := make(map[string]Device)
	err := c.probe(ctx, target, opts, func(host string, info sysInfo) bool {
		found[host] = c.discovered(host, info, opts)
		return true
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("discovery finished", "target", target, "found", len(found))
	return found, nil
}

// DiscoverSingle probes one host and returns the first reply from it. host
// may be a name; the device keeps it as its configured host.
func (c *Client) DiscoverSingle(ctx context.Context, host string, opts DiscoverOptions) (Device, error) {
	opts = opts.withDefaults()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrDevice, host, err)
	}
	ip := ips[0].Unmap().String()

	var dev Device
	err = c.probe(ctx, ip, opts, func(from string, info sysInfo) bool {
		if from != ip {
			return true
		}
		dev = c.discovered(host, info, opts)
		return false
	})
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: no reply from %s", ErrTimeout, host)
	}
	return dev, nil
}

func (c *Client) discovered(host string, info sysInfo, opts DiscoverOptions) *iotDevice {
	cfg := NewDeviceConfig(host)
	cfg.Timeout = opts.ConnectTimeout
	cfg.Credentials = opts.Credentials
	if info.Type != "" {
		cfg.ConnectionType.DeviceFamily = info.Type
	} else if info.MicType != "" {
		cfg.ConnectionType.DeviceFamily = info.MicType
	}
	if opts.Port != DefaultPort {
		cfg.Port = opts.Port
	}
	d := newIOTDevice(cfg)
	d.info = info
	return d
}

// probe sends the discovery query and calls onReply for each parsable reply
// until the timeout elapses or onReply returns false.
func (c *Client) probe(ctx context.Context, target string, opts DiscoverOptions, onReply func(host string, info sysInfo) bool) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrDevice, err)
	}
	defer conn.Close()

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(target, strconv.Itoa(opts.Port)))
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrDevice, target, err)
	}

	deadline := time.Now().Add(opts.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.WriteTo(encrypt(discoveryQuery), addr); err != nil {
		return fmt.Errorf("%w: send probe to %s: %v", ErrDevice, target, err)
	}

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("%w: read reply: %v", ErrDevice, err)
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		var resp struct {
			System struct {
				SysInfo sysInfo `json:"get_sysinfo"`
			} `json:"system"`
		}
		if err := json.Unmarshal(decrypt(buf[:n]), &resp); err != nil {
			c.logger.Debug("ignoring malformed discovery reply", "from", udp.IP.String(), "err", err)
			continue
		}
		if !onReply(udp.IP.String(), resp.System.SysInfo) {
			return nil
		}
	}
}
