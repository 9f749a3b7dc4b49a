package kasa

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const initialKey = 171

// encrypt applies the autokey XOR cipher used by the IOT protocol.
func encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(initialKey)
	for i, b := range plain {
		key ^= b
		out[i] = key
	}
	return out
}

func decrypt(cipher []byte) []byte {
	out := make([]byte, len(cipher))
	key := byte(initialKey)
	for i, b := range cipher {
		out[i] = b ^ key
		key = b
	}
	return out
}

// frame prefixes the ciphertext with its big-endian length for TCP.
func frame(plain []byte) []byte {
	buf := make([]byte, 4+len(plain))
	binary.BigEndian.PutUint32(buf, uint32(len(plain)))
	copy(buf[4:], encrypt(plain))
	return buf
}

// maxResponse bounds a single TCP reply.
const maxResponse = 1 << 20

// protocol sends IOT requests to one device over TCP. Requests are
// serialized since older firmware only accepts one connection at a time.
type protocol struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newProtocol(cfg *DeviceConfig) *protocol {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &protocol{addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)), timeout: timeout}
}

// query sends req and decodes the reply into a module -> method -> result map.
func (p *protocol) query(ctx context.Context, req map[string]any) (map[string]map[string]json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: session closed", ErrDevice)
	}

	plain, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrDevice, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, wrapNetErr("connect "+p.addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if _, err := conn.Write(frame(plain)); err != nil {
		return nil, wrapNetErr("write", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, wrapNetErr("read header", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxResponse {
		return nil, fmt.Errorf("%w: response too large (%d bytes)", ErrDevice, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, wrapNetErr("read body", err)
	}

	return decodeResponse(decrypt(body))
}

func (p *protocol) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func decodeResponse(plain []byte) (map[string]map[string]json.RawMessage, error) {
	var resp map[string]map[string]json.RawMessage
	if err := json.Unmarshal(plain, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDevice, err)
	}
	for module, methods := range resp {
		for method, raw := range methods {
			var status struct {
				ErrCode int    `json:"err_code"`
				ErrMsg  string `json:"err_msg"`
			}
			if json.Unmarshal(raw, &status) == nil && status.ErrCode != 0 {
				return nil, &ResponseError{Module: module, Method: method, Code: status.ErrCode, Msg: status.ErrMsg}
			}
		}
	}
	return resp, nil
}

func wrapNetErr(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDevice, op, err)
}
