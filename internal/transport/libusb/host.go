// Package libusb implements usb.Host on top of libusb through gousb.
package libusb

import (
	"fmt"
	"log/slog"

	"github.com/google/gousb"

	"github.com/Alia5/usbipd/usb"
)

// Host enumerates and opens devices through one libusb context.
type Host struct {
	ctx    *gousb.Context
	logger *slog.Logger
}

func New(logger *slog.Logger) *Host {
	return &Host{ctx: gousb.NewContext(), logger: logger}
}

// Close releases the libusb context. Handles must be closed first.
func (h *Host) Close() error {
	return h.ctx.Close()
}

// Devices lists the attached devices without opening any of them.
func (h *Host) Devices() ([]usb.DeviceInfo, error) {
	var out []usb.DeviceInfo
	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		out = append(out, convertDevice(desc))
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return out, nil
}

// Open opens the device with the given id and detaches kernel drivers from
// interfaces as they are claimed.
func (h *Host) Open(id usb.DeviceID, onComplete usb.CompletionFunc) (usb.Handle, error) {
	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return usb.MakeDeviceID(uint32(desc.Bus), uint32(desc.Address)) == id
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", id.BusID(), mapError(err))
		}
		return nil, fmt.Errorf("open %s: %w", id.BusID(), usb.ENODEV)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}
	dev := devs[0]
	if err := dev.SetAutoDetach(true); err != nil {
		h.logger.Warn("Kernel driver auto-detach unavailable", "busid", id.BusID(), "error", err)
	}
	return newHandle(id, dev, onComplete, h.logger.With("busid", id.BusID())), nil
}
