package libusb

import (
	"context"
	"errors"

	"github.com/google/gousb"

	"github.com/Alia5/usbipd/usb"
)

var libusbErrno = map[gousb.Error]usb.Errno{
	gousb.ErrorIO:           usb.EIO,
	gousb.ErrorInvalidParam: usb.EINVAL,
	gousb.ErrorAccess:       usb.EACCES,
	gousb.ErrorNoDevice:     usb.ENODEV,
	gousb.ErrorNotFound:     usb.ENOENT,
	gousb.ErrorBusy:         usb.EBUSY,
	gousb.ErrorTimeout:      usb.ETIMEDOUT,
	gousb.ErrorOverflow:     usb.EOVERFLOW,
	gousb.ErrorPipe:         usb.EPIPE,
	gousb.ErrorInterrupted:  usb.EINTR,
	gousb.ErrorNoMem:        usb.ENOMEM,
	gousb.ErrorNotSupported: usb.EOPNOTSUPP,
}

var transferErrno = map[gousb.TransferStatus]usb.Errno{
	gousb.TransferError:     usb.EIO,
	gousb.TransferTimedOut:  usb.ETIMEDOUT,
	gousb.TransferCancelled: usb.ECONNRESET,
	gousb.TransferStall:     usb.EPIPE,
	gousb.TransferNoDevice:  usb.ENODEV,
	gousb.TransferOverflow:  usb.EOVERFLOW,
}

// mapError converts gousb and context errors to a usb.Errno. Anything
// unrecognized becomes EIO.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var e usb.Errno
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, context.Canceled):
		return usb.ECONNRESET
	case errors.Is(err, context.DeadlineExceeded):
		return usb.ETIMEDOUT
	}
	var ge gousb.Error
	if errors.As(err, &ge) {
		if n, ok := libusbErrno[ge]; ok {
			return n
		}
		return usb.EIO
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		if ts == gousb.TransferCompleted {
			return nil
		}
		if n, ok := transferErrno[ts]; ok {
			return n
		}
	}
	return usb.EIO
}
