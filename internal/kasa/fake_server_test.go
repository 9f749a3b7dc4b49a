package kasa

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeDevice answers IOT requests on a loopback TCP port.
type fakeDevice struct {
	t       *testing.T
	ln      net.Listener
	mu      sync.Mutex
	reqs    []map[string]any
	handler func(req map[string]any) map[string]any
}

func newFakeDevice(t *testing.T, handler func(req map[string]any) map[string]any) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeDevice{t: t, ln: ln, handler: handler}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeDevice) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}
	var req map[string]any
	if err := json.Unmarshal(decrypt(body), &req); err != nil {
		return
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	out, _ := json.Marshal(f.handler(req))
	conn.Write(frame(out))
}

func (f *fakeDevice) requests() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.reqs...)
}

func (f *fakeDevice) config() *DeviceConfig {
	host, port, _ := net.SplitHostPort(f.ln.Addr().String())
	cfg := NewDeviceConfig(host)
	cfg.Port, _ = strconv.Atoi(port)
	cfg.Timeout = 2 * time.Second
	return cfg
}

// fakeResponder answers UDP discovery probes with a fixed sysinfo.
func fakeResponder(t *testing.T, info map[string]any) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	reply, _ := json.Marshal(map[string]any{"system": map[string]any{"get_sysinfo": info}})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if string(decrypt(buf[:n])) != string(discoveryQuery) {
				continue
			}
			conn.WriteTo(encrypt(reply), from)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func sysinfoResponse(info map[string]any) map[string]any {
	return map[string]any{"system": map[string]any{"get_sysinfo": info}}
}

func plugInfo() map[string]any {
	return map[string]any{
		"alias":       "My Plug",
		"model":       "HS110(EU)",
		"mac":         "AA:BB:CC:DD:EE:FF",
		"deviceId":    "8006ABCDEF",
		"hw_ver":      "2.0",
		"sw_ver":      "1.5.4",
		"type":        "IOT.SMARTPLUGSWITCH",
		"feature":     "TIM:ENE",
		"relay_state": 1,
		"led_off":     0,
		"rssi":        -52,
		"err_code":    0,
	}
}
