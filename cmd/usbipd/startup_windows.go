//go:build windows

package main

import (
	"log/slog"
	"os"
	"slices"

	"github.com/Alia5/usbipd/internal/util"
)

// A double-clicked binary has no arguments; start the server instead of
// printing usage into a console that closes immediately.
func init() {
	if !util.IsRunFromGUI() {
		return
	}
	if len(os.Args) >= 2 && slices.Contains([]string{"server", "proxy", "list"}, os.Args[1]) {
		return
	}
	slog.Info("Detected GUI startup, injecting 'server' argument")
	slog.Warn("Run from a CLI for more options!")
	os.Args = slices.Insert(os.Args, 1, "server")
}
