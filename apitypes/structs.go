// Package apitypes holds the JSON payloads of the management API.
package apitypes

import "fmt"

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

// Device is one local USB device as seen by the USB/IP server.
type Device struct {
	BusID   string `json:"busId"`
	BusNum  uint32 `json:"busNum"`
	DevNum  uint32 `json:"devNum"`
	Vid     string `json:"vid"`
	Pid     string `json:"pid"`
	Class   string `json:"class"`
	Speed   string `json:"speed"`
	State   string `json:"state"`
	Remote  string `json:"remote,omitempty"`
	Configs int    `json:"configs"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

type DeviceDetachResponse struct {
	BusID string `json:"busId"`
}

type SessionCountResponse struct {
	Attached int `json:"attached"`
}
