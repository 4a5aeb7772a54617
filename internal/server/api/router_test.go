package api_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbipd/internal/server/api"
)

func TestRouterMatch(t *testing.T) {
	r := api.NewRouter()
	var hit string
	mk := func(name string) api.HandlerFunc {
		return func(*api.Request, *api.Response, *slog.Logger) error { hit = name; return nil }
	}
	r.Register("ping", mk("ping"))
	r.Register("device/list", mk("list"))
	r.Register("device/{busid}/detach", mk("detach"))

	tests := []struct {
		path   string
		want   string
		params map[string]string
	}{
		{"ping", "ping", map[string]string{}},
		{"PING", "ping", map[string]string{}},
		{"device/list", "list", map[string]string{}},
		{"device/1-4/detach", "detach", map[string]string{"busid": "1-4"}},
		{"Device/1-4/Detach", "detach", map[string]string{"busid": "1-4"}},
		{"device/1-4", "", nil},
		{"device/1-4/detach/now", "", nil},
		{"", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			hit = ""
			h, params := r.Match(tt.path)
			if tt.want == "" {
				assert.Nil(t, h)
				return
			}
			require.NotNil(t, h)
			require.NoError(t, h(&api.Request{}, &api.Response{}, slog.Default()))
			assert.Equal(t, tt.want, hit)
			assert.Equal(t, tt.params, params)
		})
	}
}
