package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Alia5/usbipd/apitypes"
)

// Client is the typed management API client.
type Client struct{ transport *Transport }

// New constructs a client for the API server at addr (host:port).
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport, e.g. a mock.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the identity and version of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	raw, err := c.transport.DoCtx(ctx, "ping", nil, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.PingResponse](raw)
}

// DeviceList lists the server's local devices with their export state.
func (c *Client) DeviceList() (*apitypes.DevicesListResponse, error) {
	return c.DeviceListCtx(context.Background())
}

func (c *Client) DeviceListCtx(ctx context.Context) (*apitypes.DevicesListResponse, error) {
	raw, err := c.transport.DoCtx(ctx, "device/list", nil, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.DevicesListResponse](raw)
}

// DeviceDetach forces the client holding busID off the device. A device that
// is not attached yields a 404 *apitypes.ApiError.
func (c *Client) DeviceDetach(busID string) (*apitypes.DeviceDetachResponse, error) {
	return c.DeviceDetachCtx(context.Background(), busID)
}

func (c *Client) DeviceDetachCtx(ctx context.Context, busID string) (*apitypes.DeviceDetachResponse, error) {
	raw, err := c.transport.DoCtx(ctx, "device/{busid}/detach", nil, map[string]string{"busid": busID})
	if err != nil {
		return nil, err
	}
	return parse[apitypes.DeviceDetachResponse](raw)
}

// SessionCount returns the number of attached devices.
func (c *Client) SessionCount() (*apitypes.SessionCountResponse, error) {
	return c.SessionCountCtx(context.Background())
}

func (c *Client) SessionCountCtx(ctx context.Context) (*apitypes.SessionCountResponse, error) {
	raw, err := c.transport.DoCtx(ctx, "session/count", nil, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.SessionCountResponse](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
