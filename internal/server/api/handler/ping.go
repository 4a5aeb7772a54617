// Package handler implements the management API routes.
package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/server/api"
)

// Version is reported by ping. Overridden at link time.
var Version = "dev"

// Ping identifies the server.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(apitypes.PingResponse{Server: "usbipd", Version: Version})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
