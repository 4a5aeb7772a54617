package handler

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/server/api"
	apierror "github.com/Alia5/usbipd/internal/server/api/error"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
)

// DeviceDetach tears down the session holding {busid}.
func DeviceDetach(s *srvusb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		busID := req.Params["busid"]
		if busID == "" {
			return apierror.ErrBadRequest("missing bus id")
		}
		if err := s.Detach(busID); err != nil {
			if errors.Is(err, srvusb.ErrDeviceNotFound) {
				return apierror.ErrNotFound(err.Error())
			}
			return err
		}
		logger.Info("Device detached through API", "busid", busID)
		b, err := json.Marshal(apitypes.DeviceDetachResponse{BusID: busID})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
