package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Alia5/usbipd/internal/configpaths"
	"github.com/Alia5/usbipd/internal/log"
	"github.com/Alia5/usbipd/internal/metrics"
	"github.com/Alia5/usbipd/internal/server/api"
	"github.com/Alia5/usbipd/internal/server/api/auth"
	"github.com/Alia5/usbipd/internal/server/api/handler"
	srvusb "github.com/Alia5/usbipd/internal/server/usb"
	"github.com/Alia5/usbipd/internal/transport/libusb"
	"github.com/Alia5/usbipd/internal/util"
	"github.com/Alia5/usbipd/usb"
)

const keyFileName = "usbipd.key.txt"

type Server struct {
	UsbServerConfig   srvusb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig    `embed:"" prefix:"api."`
	MetricsConfig     metrics.Config      `embed:"" prefix:"metrics."`
	KeyFile           string              `help:"API password file, generated on first start (defaults to the config dir)" env:"USBIPD_KEY_FILE"`
	ConnectionTimeout time.Duration       `help:"Handshake and API request timeout" default:"30s" env:"USBIPD_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := libusb.New(logger)
	defer host.Close()

	err := s.StartServer(ctx, host, logger, rawLogger)
	if err != nil && util.IsRunFromGUI() {
		logger.Error("server failed", "error", err)
		fmt.Println("Press any key to exit...")
		b := make([]byte, 1)
		_, _ = os.Stdin.Read(b)
	}
	return err
}

// StartServer runs the USB-IP server, the management API and the metrics
// endpoint on host until ctx is cancelled or one of them fails.
func (s *Server) StartServer(ctx context.Context, host usb.Host, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout

	var m *metrics.Metrics
	var reg *prometheus.Registry
	if s.MetricsConfig.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	if s.ApiServerConfig.Addr != "" {
		pwd, err := s.loadOrCreatePassword(logger)
		if err != nil {
			return err
		}
		s.ApiServerConfig.Password = pwd
	}

	logger.Info("Starting usbipd USB-IP server", "addr", s.UsbServerConfig.Addr)
	usbSrv := srvusb.New(s.UsbServerConfig, host, logger, rawLogger,
		srvusb.WithMetrics(m),
		srvusb.WithEvents(newLogEvents(logger)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := usbSrv.ListenAndServe(); !errors.Is(err, srvusb.ErrServerClosed) {
			return err
		}
		return nil
	})

	select {
	case <-gctx.Done():
		return g.Wait()
	case <-usbSrv.Ready():
	}

	var apiSrv *api.Server
	if s.ApiServerConfig.Addr != "" {
		var err error
		apiSrv, err = api.New(usbSrv, s.ApiServerConfig, logger)
		if err != nil {
			_ = usbSrv.Close()
			return errors.Join(err, g.Wait())
		}
		handler.RegisterAll(apiSrv.Router(), usbSrv)
		if err := apiSrv.Start(); err != nil {
			logger.Error("failed to start API server", "error", err)
			_ = usbSrv.Close()
			return errors.Join(err, g.Wait())
		}
	} else {
		logger.Info("Management API disabled")
	}

	if reg != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, s.MetricsConfig.Addr, reg, logger)
		})
	}

	if util.IsRunFromGUI() {
		go func() {
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow()
		}()
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		if apiSrv != nil {
			apiSrv.Close()
		}
		return usbSrv.Close()
	})
	return g.Wait()
}

// loadOrCreatePassword reads the API password from the key file, generating
// and persisting a new one when the file does not exist.
func (s *Server) loadOrCreatePassword(logger *slog.Logger) (string, error) {
	keyFilePath := s.KeyFile
	if keyFilePath == "" {
		dir, err := configpaths.DefaultConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve key file path: %w", err)
		}
		keyFilePath = filepath.Join(dir, keyFileName)
	}

	pwd, err := os.ReadFile(keyFilePath)
	if err == nil {
		return strings.TrimSpace(string(pwd)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read API password: %w", err)
	}

	newPwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFilePath), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", keyFilePath)
	logger.Info("-------------------------------------")
	logger.Info("Your usbipd API server password is:")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("You can change this password at any time by editing the file")
	return newPwd, nil
}
