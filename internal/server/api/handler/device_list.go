package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/Alia5/usbipd/apitypes"
	"github.com/Alia5/usbipd/internal/server/api"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
)

// DeviceList lists local devices with their export state. Hubs and excluded
// devices are included as "not-connectable".
func DeviceList(s *srvusb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		statuses, err := s.Devices()
		if err != nil {
			return fmt.Errorf("enumerate devices: %w", err)
		}
		payload := apitypes.DevicesListResponse{Devices: lo.Map(statuses, func(st srvusb.DeviceStatus, _ int) apitypes.Device {
			return ToAPIDevice(st)
		})}
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}

// ToAPIDevice converts a server device status for the wire.
func ToAPIDevice(st srvusb.DeviceStatus) apitypes.Device {
	info := st.Info
	return apitypes.Device{
		BusID:   info.ID.BusID(),
		BusNum:  info.ID.BusNum(),
		DevNum:  info.ID.DevNum(),
		Vid:     fmt.Sprintf("0x%04x", info.Device.IDVendor),
		Pid:     fmt.Sprintf("0x%04x", info.Device.IDProduct),
		Class:   fmt.Sprintf("0x%02x", info.Device.BDeviceClass),
		Speed:   info.Speed.String(),
		State:   st.State.String(),
		Remote:  st.Remote,
		Configs: len(info.Configs),
	}
}
