//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const serviceName = "usbipd.service"

var (
	servicePath = "/etc/systemd/system/" + serviceName
	// systemctl is replaced in tests.
	systemctl = func(args ...string) error {
		output, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
		}
		return nil
	}
)

func install(logger *slog.Logger, args []string) error {
	exePath, err := currentExecutable()
	if err != nil {
		return err
	}
	if err := os.WriteFile(servicePath, []byte(systemdUnitContent(exePath, args)), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, step := range [][]string{{"daemon-reload"}, {"enable", serviceName}, {"restart", serviceName}} {
		if err := systemctl(step...); err != nil {
			return err
		}
	}
	logger.Info("usbipd systemd service installed", "path", servicePath, "exe", exePath)
	return nil
}

// uninstall runs every step even when an earlier one fails so a half
// installed unit is still cleaned up.
func uninstall(logger *slog.Logger) error {
	errs := []error{
		systemctl("stop", serviceName),
		systemctl("disable", serviceName),
	}
	if err := os.Remove(servicePath); !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	errs = append(errs, systemctl("daemon-reload"))
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("usbipd systemd service removed", "path", servicePath)
	return nil
}

// systemdUnitContent renders a unit that runs "<exe> server <args...>" as root;
// libusb needs it to detach kernel drivers.
func systemdUnitContent(exePath string, args []string) string {
	execStart := append([]string{strconv.Quote(exePath), "server"}, quoteAll(args)...)
	return `[Unit]
Description=usbipd USB/IP server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=` + strings.Join(execStart, " ") + `
WorkingDirectory=` + filepath.Dir(exePath) + `
Restart=on-failure
User=root

[Install]
WantedBy=multi-user.target
`
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strconv.Quote(a)
	}
	return out
}
