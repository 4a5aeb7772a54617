// Package config defines the command line of usbipd.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/Alia5/usbipd/internal/cmd"
)

// Log configures the process loggers.
type Log struct {
	Level      string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"USBIPD_LOG_LEVEL"`
	File       string `help:"Log file; rotated by size" type:"path" env:"USBIPD_LOG_FILE"`
	MaxSize    int    `help:"Log file size in megabytes before rotation" default:"10" env:"USBIPD_LOG_MAX_SIZE"`
	MaxBackups int    `help:"Rotated log files to keep" default:"3" env:"USBIPD_LOG_MAX_BACKUPS"`
	RawFile    string `help:"Hex dump of every USB-IP socket read/write" type:"path" env:"USBIPD_LOG_RAW_FILE"`
}

// CLI is the root command.
type CLI struct {
	Version    kong.VersionFlag `help:"Print version and exit"`
	ConfigFile string           `name:"config" help:"Configuration file (json, yaml or toml)" type:"path" env:"USBIPD_CONFIG"`
	Log        Log              `embed:"" prefix:"log."`

	Server  cmd.Server        `cmd:"" help:"Export local USB devices over USB-IP"`
	Proxy   cmd.Proxy         `cmd:"" help:"Log USB-IP traffic between a client and an upstream server"`
	List    cmd.List          `cmd:"" help:"List local USB devices and their export state"`
	Config  cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
	Service cmd.Service       `cmd:"" help:"Manage the system service"`
}
