package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Service manages the usbipd system service.
type Service struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start usbipd as a system service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the usbipd system service"`
}

type ServiceInstall struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Extra arguments for the server command"`
}

func (s *ServiceInstall) Run(logger *slog.Logger) error {
	return install(logger, s.Args)
}

type ServiceUninstall struct{}

func (s *ServiceUninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}
