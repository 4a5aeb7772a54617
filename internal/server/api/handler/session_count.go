package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/server/api"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
)

func SessionCount(s *srvusb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(apitypes.SessionCountResponse{Attached: s.AttachedDeviceCount()})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}

// RegisterAll registers every management route on r.
func RegisterAll(r *api.Router, s *srvusb.Server) {
	r.Register("ping", Ping())
	r.Register("device/list", DeviceList(s))
	r.Register("device/{busid}/detach", DeviceDetach(s))
	r.Register("session/count", SessionCount(s))
}
