package usb

import "time"

// ServerConfig represents the server subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"USBIPD_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
	Exclude           []string      `help:"Devices never exported, as vid:pid in hex (e.g. 1d6b:0002)" env:"USBIPD_USB_EXCLUDE"`
	TransferTimeout   time.Duration `help:"Timeout for bulk/interrupt/iso transfers; 0 waits forever" default:"0s" env:"USBIPD_USB_TRANSFER_TIMEOUT"`
	ControlTimeout    time.Duration `help:"Timeout for control transfers" default:"5s" env:"USBIPD_USB_CONTROL_TIMEOUT"`
}
