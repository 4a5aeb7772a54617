package usb

import "errors"

var (
	// ErrDeviceNotFound is returned when a bus id does not resolve to a local device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAlreadyAttached is returned when importing a device another client holds.
	ErrAlreadyAttached = errors.New("device already attached")
	// ErrNotExportable is returned for hubs and excluded devices.
	ErrNotExportable = errors.New("device not exportable")
	// ErrEndpointNotFound means the endpoint cache has no entry for a URB.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrDeviceVanished ends a session whose device no longer enumerates.
	ErrDeviceVanished = errors.New("device vanished")
	// ErrDetached ends a session detached through the management API.
	ErrDetached = errors.New("device detached")
	// ErrServerClosed ends sessions on server shutdown.
	ErrServerClosed = errors.New("server closed")
)
