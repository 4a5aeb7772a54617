package apiclient_test

import (
	"context"
	"errors"
	"testing"

	apiclient "github.com/Alia5/usbipd/apiclient"
	apitypes "github.com/Alia5/usbipd/apitypes"

	"github.com/stretchr/testify/assert"
)

// testClient constructs a client backed by a simple in-memory responder.
// responses maps full, already-filled paths (after path param substitution) to raw JSON payloads.
// If err is non-nil, every request returns that error, simulating dial failures.
func testClient(responses map[string]string, err error) *apiclient.Client {
	return apiclient.WithTransport(apiclient.NewMockTransport(func(path string, _ any, _ map[string]string) (string, error) {
		if err != nil {
			return "", err
		}
		if out, ok := responses[path]; ok {
			return out, nil
		}
		return "", nil
	}))
}

func TestHighLevelClient(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(responses map[string]string) (err error)
		call       func(c *apiclient.Client) (any, error)
		wantErr    string
		assertFunc func(t *testing.T, got any)
	}{
		{
			name:  "ping",
			setup: func(responses map[string]string) error { responses["ping"] = `{"server":"usbipd","version":"dev"}`; return nil },
			call:  func(c *apiclient.Client) (any, error) { return c.Ping() },
			assertFunc: func(t *testing.T, got any) {
				resp := got.(*apitypes.PingResponse)
				assert.Equal(t, "usbipd", resp.Server)
			},
		},
		{
			name: "device list",
			setup: func(responses map[string]string) error {
				responses["device/list"] = `{"devices":[{"busId":"1-4","busNum":1,"devNum":4,"vid":"0x1209","pid":"0x0001","class":"0xff","speed":"high","state":"connectable","configs":2}]}`
				return nil
			},
			call: func(c *apiclient.Client) (any, error) { return c.DeviceList() },
			assertFunc: func(t *testing.T, got any) {
				resp := got.(*apitypes.DevicesListResponse)
				if assert.Len(t, resp.Devices, 1) {
					assert.Equal(t, "1-4", resp.Devices[0].BusID)
					assert.Equal(t, "connectable", resp.Devices[0].State)
				}
			},
		},
		{
			name:  "device list empty",
			setup: func(responses map[string]string) error { responses["device/list"] = `{"devices":[]}`; return nil },
			call:  func(c *apiclient.Client) (any, error) { return c.DeviceList() },
			assertFunc: func(t *testing.T, got any) {
				assert.Empty(t, got.(*apitypes.DevicesListResponse).Devices)
			},
		},
		{
			name: "detach not attached",
			setup: func(responses map[string]string) error {
				responses["device/{busid}/detach"] = `{"status":404,"title":"Not Found","detail":"device not found: 1-4 is not attached"}`
				return nil
			},
			call:    func(c *apiclient.Client) (any, error) { return c.DeviceDetach("1-4") },
			wantErr: "404 Not Found",
		},
		{
			name:  "session count",
			setup: func(responses map[string]string) error { responses["session/count"] = `{"attached":3}`; return nil },
			call:  func(c *apiclient.Client) (any, error) { return c.SessionCount() },
			assertFunc: func(t *testing.T, got any) {
				assert.Equal(t, 3, got.(*apitypes.SessionCountResponse).Attached)
			},
		},
		{
			name:    "transport failure",
			setup:   func(responses map[string]string) error { return errors.New("dial fail") },
			call:    func(c *apiclient.Client) (any, error) { return c.SessionCount() },
			wantErr: "dial fail",
		},
		{
			name:    "blank response error",
			setup:   func(responses map[string]string) error { return nil },
			call:    func(c *apiclient.Client) (any, error) { return c.DeviceList() },
			wantErr: "empty response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := map[string]string{}
			errInject := error(nil)
			if tt.setup != nil {
				if e := tt.setup(responses); e != nil {
					errInject = e
				}
			}
			c := testClient(responses, errInject)
			got, err := tt.call(c)
			if tt.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
			if tt.assertFunc != nil {
				tt.assertFunc(t, got)
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	c := apiclient.WithTransport(apiclient.NewTransport("127.0.0.1:9"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.DeviceListCtx(ctx)
	assert.Error(t, err)
}

func TestStrictJSONDecode(t *testing.T) {
	c := testClient(map[string]string{"session/count": `{"attached":1,"extra":true}`}, nil)
	_, err := c.SessionCount()
	assert.Error(t, err)
}
