package usb

import "github.com/Alia5/usbipd/usb"

// EventSink receives attach state changes. Implementations must not block.
type EventSink interface {
	DeviceConnected(dev usb.DeviceInfo)
	DeviceDisconnected(dev usb.DeviceInfo)
	NotificationUpdate(attached int)
}

type nopEvents struct{}

func (nopEvents) DeviceConnected(usb.DeviceInfo)    {}
func (nopEvents) DeviceDisconnected(usb.DeviceInfo) {}
func (nopEvents) NotificationUpdate(int)            {}
