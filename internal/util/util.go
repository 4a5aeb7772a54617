//go:build !windows

// Package util holds platform helpers for console handling.
package util

// IsRunFromGUI reports whether the binary was started by double-click rather
// than from a shell. Only Windows can tell; elsewhere it is always false.
func IsRunFromGUI() bool {
	return false
}

func HideConsoleWindow() {}
