package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/Alia5/usbipd/internal/server/api/auth"
)

// Config controls dialing, deadlines and authentication of a Transport.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Password enables the encrypted handshake. It must match the key file of
	// the server.
	Password string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Responder answers requests in place of a server.
type Responder func(path string, payload any, pathParams map[string]string) (string, error)

// Transport speaks the management protocol: `<path>[ SP <payload>]\x00` out,
// one JSON line back, then the server closes. The response is read to EOF and
// a single trailing newline is trimmed.
type Transport struct {
	addr    string
	cfg     Config
	respond Responder
}

// NewTransport creates a transport for addr with default timeouts.
func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

// NewTransportWithPassword creates a transport that authenticates with password.
func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig creates a transport; a nil cfg selects the defaults.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Transport{addr: addr, cfg: c}
}

// NewMockTransport creates a transport served by respond without networking.
func NewMockTransport(respond Responder) *Transport {
	return &Transport{addr: "mock", cfg: defaultConfig(), respond: respond}
}

// Do sends one request and returns the response line.
//
//	[]byte       sent as-is
//	string       UTF-8 bytes
//	other values JSON
//	nil          no payload
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx is Do bounded by ctx; cancelling ctx aborts a request in flight.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.respond != nil {
		return t.respond(path, payload, pathParams)
	}
	req, err := encodeRequest(path, payload, pathParams)
	if err != nil {
		return "", err
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := t.roundTrip(conn, req)
	if err != nil && ctx.Err() != nil {
		return "", fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return resp, err
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	d := &net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			slog.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}
	if t.cfg.Password == "" {
		return conn, nil
	}

	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.WriteTimeout + t.cfg.ReadTimeout))
	}
	secure, err := auth.Dial(conn, t.cfg.Password)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return secure, nil
}

func (t *Transport) roundTrip(conn net.Conn, req []byte) (string, error) {
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

// encodeRequest builds the NUL terminated request line.
func encodeRequest(path string, payload any, pathParams map[string]string) ([]byte, error) {
	body, err := payloadBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", path, err)
	}
	req := []byte(fillPath(path, pathParams))
	if len(body) > 0 {
		req = append(req, ' ')
		req = append(req, body...)
	}
	return append(req, '\x00'), nil
}

// fillPath substitutes {name} placeholders with escaped values. Routes
// are matched case-insensitively, so the result is lowercased.
func fillPath(pattern string, params map[string]string) string {
	out := pattern
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.PathEscape(v))
	}
	return strings.ToLower(out)
}

func payloadBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(v)
	}
}
