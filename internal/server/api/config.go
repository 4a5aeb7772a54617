package api

import "time"

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr string `help:"Management API listen address; empty disables the API" default:"localhost:3242" env:"USBIPD_API_ADDR"`
	// Password enables the authenticated, encrypted protocol. It is loaded from the key file.
	Password          string        `kong:"-"`
	ConnectionTimeout time.Duration `kong:"-"`
}
