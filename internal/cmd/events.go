package cmd

import (
	"fmt"
	"log/slog"

	"github.com/Alia5/usbipd/usb"
)

// logEvents reports attach state changes through the logger.
type logEvents struct {
	logger *slog.Logger
}

func newLogEvents(logger *slog.Logger) logEvents {
	return logEvents{logger: logger.With("component", "events")}
}

func (e logEvents) DeviceConnected(dev usb.DeviceInfo) {
	e.logger.Info("Device exported", deviceAttrs(dev)...)
}

func (e logEvents) DeviceDisconnected(dev usb.DeviceInfo) {
	e.logger.Info("Device released", deviceAttrs(dev)...)
}

func (e logEvents) NotificationUpdate(attached int) {
	e.logger.Debug("Attached devices", "count", attached)
}

func deviceAttrs(dev usb.DeviceInfo) []any {
	return []any{
		"busid", dev.ID.BusID(),
		"vid", fmt.Sprintf("%04x", dev.Device.IDVendor),
		"pid", fmt.Sprintf("%04x", dev.Device.IDProduct),
	}
}
